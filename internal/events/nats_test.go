package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNATSSubject(t *testing.T) {
	assert.Equal(t, "events.order.submitted", NATSSubject(orderEvent))
}

func TestDurableName_IsJetStreamSafe(t *testing.T) {
	tests := []struct {
		group, event, want string
	}{
		{"app", "order.submitted", "app-order_submitted"},
		{"billing team", "invoice.*", "billing_team-invoice__"},
		{"app", "audit.>", "app-audit__"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, durableName(tt.group, tt.event))
	}
}
