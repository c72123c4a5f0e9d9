package llm

import (
	"claimbot/internal/config"
	"claimbot/internal/httpx"
)

type Config = config.Config

var externalHTTPClient = httpx.ExternalHTTPClient()
