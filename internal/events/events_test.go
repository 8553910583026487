package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/model"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []message
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, message{subject, data})
	return nil
}

func TestNATSPublisher(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "")
	at := time.Unix(1_700_000_000, 0).UTC()

	batch := Wrap("increase", at, []model.Event{
		&model.PositionIncreased{Position: "p1", SizeDelta: 10, CollateralDeltaUSD: fixed.U64(4_000)},
		&model.VaultClosed{Mint: "SOL"},
	})
	require.NoError(t, p.Publish(context.Background(), batch))
	require.Len(t, conn.msgs, 2)
	assert.Equal(t, "vault.position_increased", conn.msgs[0].subject)
	assert.Equal(t, "vault.vault_closed", conn.msgs[1].subject)

	var got struct {
		Type string `json:"type"`
		Op   string `json:"op"`
		Data struct {
			Position           string `json:"position"`
			CollateralDeltaUSD string `json:"collateral_delta_usd"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &got))
	assert.Equal(t, "position_increased", got.Type)
	assert.Equal(t, "increase", got.Op)
	assert.Equal(t, "p1", got.Data.Position)
	assert.Equal(t, "4000", got.Data.CollateralDeltaUSD, "128-bit amounts travel as decimal strings")
}

func TestNATSPublisherError(t *testing.T) {
	boom := errors.New("boom")
	p := NewNATSPublisher(&fakeConn{err: boom}, "ledger")
	assert.Equal(t, "ledger.swapped", p.Subject("swapped"))

	err := p.Publish(context.Background(), Wrap("swap", time.Now(), []model.Event{&model.Swapped{}}))
	assert.ErrorIs(t, err, boom)
}

type recordSink struct {
	got []Envelope
	err error
}

func (s *recordSink) Publish(_ context.Context, batch []Envelope) error {
	s.got = append(s.got, batch...)
	return s.err
}

func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	a, b := &recordSink{err: boom}, &recordSink{}
	batch := Wrap("close_vault", time.Now(), []model.Event{&model.VaultClosed{Mint: "SOL"}})

	err := Multi{a, b}.Publish(context.Background(), batch)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1, "a failing sink does not starve the others")
}
