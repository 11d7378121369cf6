package server_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/blockengine/client"
	"github.com/SWAI-Ltd/blockengine/internal/auth"
	"github.com/SWAI-Ltd/blockengine/internal/crypto"
	"github.com/SWAI-Ltd/blockengine/internal/engine"
	"github.com/SWAI-Ltd/blockengine/internal/proto"
	"github.com/SWAI-Ltd/blockengine/internal/server"
)

type stack struct {
	eng   *engine.Engine
	group *server.Group
	auth  *auth.Service
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startStack runs an engine and all four services on loopback.
func startStack(t *testing.T, requireAuth bool) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	log := testLogger()

	eng, err := engine.New(engine.DefaultConfig(), engine.WithLogger(log))
	require.NoError(t, err)
	go eng.Run()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	authSvc := auth.New(keys, auth.DefaultConfig(), log)
	var authz server.Authorizer
	if requireAuth {
		authz = authSvc
	}

	producer, err := eng.NewPacketProducer()
	require.NoError(t, err)
	relayer := server.NewRelayer(producer, authz, log)
	validator := server.NewValidator(eng, authz, log)

	g := server.NewGroup(nil, log)
	_, err = g.Listen(ctx, "searcher", "127.0.0.1:0", server.NewSearcher(eng, authz, log).Handle)
	require.NoError(t, err)
	_, err = g.Listen(ctx, "validator", "127.0.0.1:0", validator.Handle)
	require.NoError(t, err)
	_, err = g.Listen(ctx, "relayer", "127.0.0.1:0", relayer.Handle)
	require.NoError(t, err)
	_, err = g.Listen(ctx, "auth", "127.0.0.1:0", server.NewAuth(authSvc, log).Handle)
	require.NoError(t, err)
	g.OnClose(validator.Close)
	g.OnClose(relayer.Close)

	t.Cleanup(func() {
		assert.NoError(t, g.Close())
		eng.Close()
		select {
		case <-eng.Done():
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return &stack{eng: eng, group: g, auth: authSvc}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dial(t *testing.T, ctx context.Context, addr string, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.Dial(ctx, addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func bundle(payloads ...string) *proto.Bundle {
	b := &proto.Bundle{Header: &proto.Header{TS: time.Now().UTC()}}
	for _, p := range payloads {
		b.Packets = append(b.Packets, proto.PacketFromBytes([]byte(p)))
	}
	return b
}

func TestSendBundleReachesValidator(t *testing.T) {
	s := startStack(t, false)
	ctx := testContext(t)

	validator := dial(t, ctx, s.group.Addr("validator"))
	bundles, err := validator.SubscribeBundles(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.eng.Subscribers(engine.KindBundle) == 1 }, 5*time.Second, 10*time.Millisecond)

	searcher := dial(t, ctx, s.group.Addr("searcher"))
	id, err := searcher.SendBundle(ctx, bundle("a", "b"))
	require.NoError(t, err)

	select {
	case got := <-bundles:
		assert.Equal(t, id, got.UUID)
		require.NotNil(t, got.Bundle)
		require.Len(t, got.Bundle.Packets, 2)
		assert.Equal(t, []byte("b"), got.Bundle.Packets[1].Data)
	case <-ctx.Done():
		t.Fatal("bundle not delivered")
	}
}

func TestRelayedPacketsReachValidator(t *testing.T) {
	s := startStack(t, false)
	ctx := testContext(t)

	validator := dial(t, ctx, s.group.Addr("validator"))
	batches, err := validator.SubscribePackets(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.eng.Subscribers(engine.KindPacket) == 1 }, 5*time.Second, 10*time.Millisecond)

	relayer := dial(t, ctx, s.group.Addr("relayer"))
	require.NoError(t, relayer.PushPackets(ctx, &proto.PacketBatch{Packets: []proto.Packet{proto.PacketFromBytes([]byte("tx"))}}))

	err = relayer.PushPackets(ctx, &proto.PacketBatch{})
	assert.ErrorIs(t, err, client.ErrInvalidArgument)

	select {
	case got := <-batches:
		require.Len(t, got.Packets, 1)
		assert.Equal(t, []byte("tx"), got.Packets[0].Data)
	case <-ctx.Done():
		t.Fatal("batch not delivered")
	}
}

func TestSendBundleRejectsInvalid(t *testing.T) {
	s := startStack(t, false)
	ctx := testContext(t)

	searcher := dial(t, ctx, s.group.Addr("searcher"))
	_, err := searcher.SendBundle(ctx, &proto.Bundle{})
	assert.ErrorIs(t, err, client.ErrInvalidArgument)

	_, err = searcher.SendBundle(ctx, bundle("1", "2", "3", "4", "5", "6"))
	assert.ErrorIs(t, err, client.ErrInvalidArgument)

	// the connection stays usable after a rejection
	_, err = searcher.SendBundle(ctx, bundle("ok"))
	assert.NoError(t, err)
}

func TestFeeInfo(t *testing.T) {
	s := startStack(t, false)
	ctx := testContext(t)

	validator := dial(t, ctx, s.group.Addr("validator"))
	fi, err := validator.FeeInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultFeePubkey, fi.Pubkey)
	assert.Equal(t, uint64(engine.DefaultCommission), fi.Commission)
}

func TestDisconnectedValidatorIsEvicted(t *testing.T) {
	s := startStack(t, false)
	ctx := testContext(t)

	validator := dial(t, ctx, s.group.Addr("validator"))
	_, err := validator.SubscribeBundles(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.eng.Subscribers(engine.KindBundle) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, validator.Close())

	searcher := dial(t, ctx, s.group.Addr("searcher"))
	require.Eventually(t, func() bool {
		// eviction happens on the next delivery attempt
		_, err := searcher.SendBundle(ctx, bundle("tick"))
		return err == nil && s.eng.Subscribers(engine.KindBundle) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAuthRequired(t *testing.T) {
	s := startStack(t, true)
	ctx := testContext(t)

	searcher := dial(t, ctx, s.group.Addr("searcher"))
	_, err := searcher.SendBundle(ctx, bundle("x"))
	assert.ErrorIs(t, err, client.ErrUnauthenticated)

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tokens, err := client.Login(ctx, s.group.Addr("auth"), keys, proto.RoleSearcher)
	require.NoError(t, err)

	searcher.SetToken(tokens.Access.Value)
	_, err = searcher.SendBundle(ctx, bundle("x"))
	require.NoError(t, err)

	validator := dial(t, ctx, s.group.Addr("validator"), client.WithToken(tokens.Access.Value))
	_, err = validator.FeeInfo(ctx)
	assert.ErrorIs(t, err, client.ErrPermissionDenied)
	_, err = validator.SubscribeBundles(ctx)
	assert.ErrorIs(t, err, client.ErrPermissionDenied)

	authClient := dial(t, ctx, s.group.Addr("auth"))
	fresh, err := authClient.RefreshAccessToken(ctx, tokens.Refresh.Value)
	require.NoError(t, err)
	assert.NoError(t, s.auth.Authorize(fresh.Value, proto.RoleSearcher))

	_, err = authClient.RefreshAccessToken(ctx, tokens.Access.Value)
	assert.ErrorIs(t, err, client.ErrUnauthenticated)
}

func TestAuthRejectsUnknownRole(t *testing.T) {
	s := startStack(t, true)
	ctx := testContext(t)

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = client.Login(ctx, s.group.Addr("auth"), keys, proto.Role("admin"))
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
}
