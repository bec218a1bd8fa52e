// Copyright 2023-2024 TTBT Enterprises LLC
//
// This file is part of c2tleQ (https://c2tleQ.org/).
//
// c2tleQ is free software: you can redistribute it and/or modify it under the
// terms of the GNU General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later
// version.
//
// c2tleQ is distributed in the hope that it will be useful, but WITHOUT ANY
// WARRANTY; without even the implied warranty of MERCHANTABILITY or FITNESS FOR
// A PARTICULAR PURPOSE. See the GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along with
// c2tleQ. If not, see <https://www.gnu.org/licenses/>.

// The c2tleQ-server binary is a WebAuthn relying party server: it registers
// and authenticates public-key credentials (passkeys, security keys) for its
// users.
package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"c2tleQ/internal/log"
	"c2tleQ/internal/server"
	"c2tleQ/internal/webauthn"
)

var (
	flagAddress               string
	flagRPID                  string
	flagRPName                string
	flagOrigins               cli.StringSlice
	flagAllowSubdomains       bool
	flagAllowAnyPort          bool
	flagUserPresenceOnly      bool
	flagLogLevel              int
	flagMaxConcurrentRequests int
)

func main() {
	app := &cli.App{
		Name:      "c2tleQ-server",
		Usage:     "Run the c2tleQ WebAuthn server",
		HideHelp:  true,
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "address",
				Aliases:     []string{"addr"},
				Value:       "127.0.0.1:8080",
				Usage:       "The local address to use.",
				Destination: &flagAddress,
			},
			&cli.StringFlag{
				Name:        "rp-id",
				Value:       "",
				Usage:       "The relying party ID, i.e. the effective domain credentials are scoped to. Changing it invalidates all registered credentials.",
				EnvVars:     []string{"C2TLEQ_RP_ID"},
				Destination: &flagRPID,
			},
			&cli.StringFlag{
				Name:        "rp-name",
				Value:       "",
				Usage:       "The relying party name shown to users. Defaults to the rp ID.",
				Destination: &flagRPName,
			},
			&cli.StringSliceFlag{
				Name:        "origin",
				Usage:       "An allowed origin, e.g. https://idm.example.com. May be repeated.",
				EnvVars:     []string{"C2TLEQ_ORIGINS"},
				Destination: &flagOrigins,
			},
			&cli.BoolFlag{
				Name:        "allow-subdomains",
				Value:       false,
				Usage:       "Accept origins on any subdomain of the rp ID.",
				Destination: &flagAllowSubdomains,
			},
			&cli.BoolFlag{
				Name:        "allow-any-port",
				Value:       false,
				Usage:       "Ignore the port when comparing origins.",
				Destination: &flagAllowAnyPort,
			},
			&cli.BoolFlag{
				Name:        "user-presence-only",
				Value:       false,
				Usage:       "Don't require user verification; use security keys as a single factor.",
				Destination: &flagUserPresenceOnly,
			},
			&cli.IntFlag{
				Name:        "loglevel",
				Value:       log.InfoLevel,
				Usage:       "The level of logging verbosity: 1:Error 2:Info 3:Debug",
				Destination: &flagLogLevel,
			},
			&cli.IntFlag{
				Name:        "max-concurrent-requests",
				Value:       10,
				Usage:       "The maximum number of concurrent requests.",
				Destination: &flagMaxConcurrentRequests,
			},
		},
		Action: startServer,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}

func startServer(c *cli.Context) error {
	log.Level = flagLogLevel
	rp, err := webauthn.NewRelyingParty(webauthn.Config{
		RPID:             flagRPID,
		RPName:           flagRPName,
		AllowedOrigins:   flagOrigins.Value(),
		AllowSubdomains:  flagAllowSubdomains,
		AllowAnyPort:     flagAllowAnyPort,
		UserPresenceOnly: flagUserPresenceOnly,
	})
	if err != nil {
		return err
	}
	s := server.New(rp, flagAddress)
	s.MaxConcurrentRequests = flagMaxConcurrentRequests
	return s.Run()
}
