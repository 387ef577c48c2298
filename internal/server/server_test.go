package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/nfrund/chatrelay/internal/config"
	"github.com/nfrund/chatrelay/internal/history"
	"github.com/nfrund/chatrelay/internal/message"
	"github.com/nfrund/chatrelay/internal/testutils"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type running struct {
	srv    *Server
	cancel context.CancelFunc
	done   chan error
	addr   string
}

func start(t *testing.T, cfg *config.Config, opts Options) *running {
	t.Helper()

	srv, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	ln, err := net.Listen("tcp", cfg.Addr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := &running{srv: srv, cancel: cancel, done: make(chan error, 1), addr: ln.Addr().String()}
	go func() { r.done <- srv.Serve(ctx, ln) }()

	select {
	case <-srv.Ready():
	case <-time.After(testutils.ReadTimeout):
		t.Fatal("server never became ready")
	}
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		return err
	case <-time.After(testutils.ReadTimeout):
		t.Fatal("Serve did not return after cancel")
		return nil
	}
}

func TestServer_RelaysBetweenClients(t *testing.T) {
	cfg := testutils.ConfigForTests(t)
	r := start(t, cfg, Options{Fs: afero.NewMemMapFs()})

	bob := testutils.Dial(t, r.addr, "bob")
	bob.Next()
	carol := testutils.Dial(t, r.addr, "carol")
	carol.NextN(2) // bob's join replayed, then her own
	bob.Next()

	bob.Send("hello")
	got := carol.Next()
	assert.Equal(t, "bob", got.Username)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, message.UserMessage, got.Kind)

	assert.Equal(t, 2, r.srv.ActiveSessions())
	assert.Equal(t, r.addr, r.srv.Addr().String())
}

func TestServer_ShutdownPersistsHistory(t *testing.T) {
	cfg := testutils.ConfigForTests(t)
	memFs := afero.NewMemMapFs()
	r := start(t, cfg, Options{Fs: memFs})

	alice := testutils.Dial(t, r.addr, "alice")
	alice.Next()
	for i := range 5 {
		alice.Send(fmt.Sprintf("line %d", i))
	}
	alice.NextN(5)

	atSignal := r.srv.History().Snapshot()
	require.Len(t, atSignal, 6)
	require.NoError(t, r.stop(t))

	loaded, err := history.Load(memFs, cfg.HistoryPath)
	require.NoError(t, err)
	assert.Equal(t, atSignal, loaded.Snapshot())

	// The listener is closed but the session is not.
	_, err = net.DialTimeout("tcp", r.addr, 200*time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 1, r.srv.ActiveSessions())

	alice.Send("still here")
	assert.Equal(t, "still here", alice.Next().Content)
}

func TestServer_HistorySurvivesRestart(t *testing.T) {
	cfg := testutils.ConfigForTests(t)
	memFs := afero.NewMemMapFs()

	first := start(t, cfg, Options{Fs: memFs})
	c := testutils.Dial(t, first.addr, "alice")
	c.Next()
	c.Send("remember me")
	c.Next()
	require.NoError(t, first.stop(t))

	second := start(t, cfg, Options{Fs: memFs})
	late := testutils.Dial(t, second.addr, "bob")
	replay := late.NextN(2)
	assert.Equal(t, "remember me", replay[1].Content)
	assert.Equal(t, "alice", replay[1].Username)
}

func TestServer_SaveFailureDumpsSnapshot(t *testing.T) {
	cfg := testutils.ConfigForTests(t)
	var dump bytes.Buffer
	r := start(t, cfg, Options{Fs: afero.NewReadOnlyFs(afero.NewMemMapFs()), Fallback: &dump})

	c := testutils.Dial(t, r.addr, "alice")
	c.Next()
	require.NoError(t, r.stop(t), "a save failure is not fatal")

	recovered, err := message.DecodeAll(bytes.TrimSpace(dump.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, r.srv.History().Snapshot()[:1], recovered)
}

func TestNew_CorruptHistoryIsFatal(t *testing.T) {
	cfg := testutils.ConfigForTests(t)
	memFs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(memFs, cfg.HistoryPath, []byte("{not a history"), 0o644))

	_, err := New(cfg, Options{Fs: memFs})
	var loadErr *history.LoadError
	require.True(t, errors.As(err, &loadErr), "got %v", err)
	assert.Equal(t, cfg.HistoryPath, loadErr.Path)
}

func TestServer_ListenAndServeBadAddr(t *testing.T) {
	cfg := testutils.ConfigForTests(t)
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	cfg.Addr = occupied.Addr().String()

	srv, err := New(cfg, Options{Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	defer srv.Close()

	assert.Error(t, srv.ListenAndServe(context.Background()))
}

func TestServer_PresenceAndStatus(t *testing.T) {
	cfg := testutils.ConfigForTests(t)
	statusLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.StatusAddr = statusLn.Addr().String()
	require.NoError(t, statusLn.Close())

	r := start(t, cfg, Options{Fs: afero.NewMemMapFs()})
	c := testutils.Dial(t, r.addr, "alice")
	c.Next()

	assert.Eventually(t, func() bool {
		return len(r.srv.Presence().Online()) == 1
	}, testutils.ReadTimeout, 10*time.Millisecond)
	assert.Equal(t, []string{"alice"}, r.srv.Presence().Users())

	resp, err := http.Get("http://" + cfg.StatusAddr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		return len(r.srv.Presence().Online()) == 0 && r.srv.ActiveSessions() == 0
	}, testutils.ReadTimeout, 10*time.Millisecond)

	require.NoError(t, r.stop(t))
	_, err = http.Get("http://" + cfg.StatusAddr + "/health")
	assert.Error(t, err, "status server stops with the relay")
}

func TestServer_WaitSessions(t *testing.T) {
	cfg := testutils.ConfigForTests(t)
	r := start(t, cfg, Options{Fs: afero.NewMemMapFs()})

	c := testutils.Dial(t, r.addr, "alice")
	c.Next()
	require.NoError(t, r.stop(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.srv.WaitSessions(ctx), context.DeadlineExceeded)

	require.NoError(t, c.Close())
	ctx2, cancel2 := context.WithTimeout(context.Background(), testutils.ReadTimeout)
	defer cancel2()
	assert.NoError(t, r.srv.WaitSessions(ctx2))
}

func TestServer_ServesOnce(t *testing.T) {
	cfg := testutils.ConfigForTests(t)
	r := start(t, cfg, Options{Fs: afero.NewMemMapFs()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, r.srv.Serve(context.Background(), ln), ErrServerStarted)

	_, err = net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "the second listener is closed")

	require.NoError(t, r.stop(t))
	assert.ErrorIs(t, r.srv.Serve(context.Background(), ln), ErrServerStarted)
}
