package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/CoteTommy/Weft-App-sub000/internal/daemon"
	"github.com/CoteTommy/Weft-App-sub000/internal/session"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	debugFlag := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profile, Debug: *debugFlag}),
	)

	app.Run()
}
