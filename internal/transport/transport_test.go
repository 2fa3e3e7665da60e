package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/modfin/utskick"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrf(t *testing.T) {
	err := Errf("smtp relay rejected message to %s, %v", "alice@example.com", "550")
	assert.True(t, errors.Is(err, utskick.ErrTransport))
	assert.Contains(t, err.Error(), "alice@example.com")
	assert.Contains(t, err.Error(), "550")
}

func TestNewWithoutHostIsDryRun(t *testing.T) {
	_, ok := New(nil).(*DryRun)
	assert.True(t, ok)
	_, ok = New(&Config{}).(*DryRun)
	assert.True(t, ok)
	_, ok = New(&Config{Host: "smtp.example.com"}).(*SMTP)
	assert.True(t, ok)
}

func TestDryRunHonorsContext(t *testing.T) {
	d := &DryRun{}
	require.NoError(t, d.Send(context.Background(), "alice@example.com", "Hi", "Hello"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, d.Send(ctx, "alice@example.com", "Hi", "Hello"))
}
