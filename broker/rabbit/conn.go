package rabbit

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ciaranRoche/bifrost-go/broker"
)

// Dialer opens one AMQP connection. The default dials with
// amqp.DialConfig; tests substitute their own.
type Dialer func(ctx context.Context, url string, cfg amqp.Config) (*amqp.Connection, error)

func defaultDialer(_ context.Context, url string, cfg amqp.Config) (*amqp.Connection, error) {
	return amqp.DialConfig(url, cfg)
}

// URI builds the connection URI for one address. Credentials and virtual
// host travel in the amqp.Config, not the URI.
func URI(profile *broker.Profile, addr string) string {
	scheme, port := "amqp", "5672"
	if profile.TLS.Enabled {
		scheme, port = "amqps", "5671"
	}
	if !strings.Contains(addr, ":") {
		addr = addr + ":" + port
	}
	return fmt.Sprintf("%s://%s/", scheme, addr)
}

// amqpConfig maps a connection profile onto the wire client's config:
// credentials, virtual host, heartbeat, dial timeout, and the TLS client
// config when secure transport is enabled.
func amqpConfig(profile *broker.Profile) (amqp.Config, error) {
	cfg := amqp.Config{
		Vhost:     profile.VirtualHost,
		Heartbeat: profile.Heartbeat,
	}
	if cfg.Vhost == "" {
		cfg.Vhost = "/"
	}

	if profile.Username != "" {
		cfg.SASL = []amqp.Authentication{
			&amqp.PlainAuth{Username: profile.Username, Password: profile.Password},
		}
	}

	if profile.DialTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(profile.DialTimeout)
	}

	if profile.TLS.Enabled {
		tlsCfg, err := profile.TLS.Build()
		if err != nil {
			return amqp.Config{}, err
		}
		cfg.TLSClientConfig = tlsCfg
	}

	return cfg, nil
}

// dial tries the profile's addresses in order and returns the first
// connection that succeeds.
func dial(ctx context.Context, profile *broker.Profile, dialer Dialer) (*amqp.Connection, error) {
	cfg, err := amqpConfig(profile)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, addr := range profile.Addresses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := dialer(ctx, URI(profile, addr), cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = fmt.Errorf("dial %s: %w", addr, err)
	}

	return nil, lastErr
}
