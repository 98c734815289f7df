package main

import (
	"github.com/entdns/entdns/internal/home"
)

func main() {
	home.Main()
}
