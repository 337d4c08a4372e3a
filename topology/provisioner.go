package topology

import (
	"context"
	"log"

	"github.com/ciaranRoche/bifrost-go/broker"
)

// Provisioner applies a planned layout against a broker client.
//
// Declarations are idempotent: multiple instances racing to provision
// the same destination all succeed because the broker arbitrates
// duplicate declarations, returning success for identical parameters and
// an error for conflicting ones. A conflict surfaces as
// broker.ProvisioningError and is never retried here.
type Provisioner struct {
	client broker.Client
}

// NewProvisioner creates a provisioner over the given client.
func NewProvisioner(client broker.Client) *Provisioner {
	return &Provisioner{client: client}
}

// Apply declares the layout's exchange, queues, and bindings in order.
//
// Cancellation is honored between round-trips: once a declare request is
// handed to the client it runs to completion or failure, never partially
// applied.
func (p *Provisioner) Apply(ctx context.Context, layout *Layout) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.client.DeclareExchange(ctx, layout.Exchange); err != nil {
		return &broker.ProvisioningError{Object: "exchange", Name: layout.Exchange.Name, Err: err}
	}

	for _, q := range layout.Queues {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.client.DeclareQueue(ctx, q); err != nil {
			return &broker.ProvisioningError{Object: "queue", Name: q.Name, Err: err}
		}
	}

	for _, b := range layout.Bindings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.client.BindQueue(ctx, b); err != nil {
			return &broker.ProvisioningError{Object: "binding", Name: b.Queue, Err: err}
		}
	}

	log.Printf("Topology: Provisioned exchange %s (%d queues, %d bindings)",
		layout.Exchange.Name, len(layout.Queues), len(layout.Bindings))

	return nil
}
