package main

import "claimbot/internal/app"

func main() {
	app.Main()
}
