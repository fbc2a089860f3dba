package main

import (
	"fmt"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/token"
)

// mintToken signs a gateway token with the configured secret and prints it.
// Operator tooling: the control plane normally mints tokens; this covers
// smoke tests and incident debugging.
func mintToken(configPath string, userID uint64, plan string, staff bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var p gateway.Plan
	switch plan {
	case "free":
		p = gateway.PlanFree
	case "pro":
		p = gateway.PlanPro
	default:
		return fmt.Errorf("unknown plan %q (want free or pro)", plan)
	}

	codec := token.NewCodec(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	signed, err := codec.Mint(userID, p, staff)
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}
