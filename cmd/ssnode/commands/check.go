package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigbes/shadowsocks-panel-node/internal/config"
	"github.com/bigbes/shadowsocks-panel-node/internal/keys"
	"github.com/bigbes/shadowsocks-panel-node/internal/porttracker"
	"github.com/bigbes/shadowsocks-panel-node/internal/ssserver"
)

type Check struct {
	configFlag
}

func (c *Check) Run(logger *slog.Logger) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	client, err := newPanelClient(cfg, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	sc, err := client.FetchConfig(ctx)
	if err != nil {
		return fmt.Errorf("fetching node config: %w", err)
	}
	users, err := client.FetchUsers(ctx)
	if err != nil {
		return fmt.Errorf("fetching users: %w", err)
	}

	cipher := keys.NormalizeCipher(sc.Cipher)
	eng := ssserver.New(logger)

	fmt.Println("=== Node config ===")
	fmt.Printf("Port:          %d\n", sc.ServerPort)
	fmt.Printf("Cipher:        %s\n", cipher)
	fmt.Printf("Supported:     %t\n", eng.Supports(cipher))
	var keyErr error
	if keys.Is2022(cipher) {
		_, keyErr = keys.DecodeServerKey(cipher, sc.ServerKey)
		if keyErr != nil {
			fmt.Printf("Server key:    %v\n", keyErr)
		} else {
			fmt.Printf("Server key:    ok\n")
		}
	}
	owner, clash := porttracker.Reserved(cfg)[sc.ServerPort]
	if clash {
		fmt.Printf("Port clash:    %s listener\n", owner)
	}
	fmt.Printf("Sync every:    %s\n", sc.BaseConfig.PullPeriod(cfg.SyncIntervalDuration()))
	fmt.Printf("Report every:  %s\n", sc.BaseConfig.PushPeriod(cfg.ReportIntervalDuration()))
	fmt.Println()

	var invalid int
	for _, u := range users {
		if _, err := keys.DeriveFor(cipher, u.UUID); err != nil {
			invalid++
			fmt.Printf("user %d: %v\n", u.ID, err)
		}
	}
	fmt.Println("=== Users ===")
	fmt.Printf("Total:         %d\n", len(users))
	fmt.Printf("Invalid:       %d\n", invalid)

	if !eng.Supports(cipher) {
		return fmt.Errorf("%w: %q", keys.ErrUnsupportedCipher, cipher)
	}
	if keyErr != nil {
		return keyErr
	}
	if clash {
		return fmt.Errorf("server port %d is used by the %s listener", sc.ServerPort, owner)
	}
	if invalid > 0 {
		return errors.New("some users have unusable secrets")
	}
	return nil
}
