package main

import (
	switchgear "github.com/bitshock-src/switchgear-sub000"
)

func main() {
	switchgear.Main()
}
