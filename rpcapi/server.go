package rpcapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/simnode/simnode/filters"
	"github.com/simnode/simnode/node"
)

// Server wires every API struct to a single go-ethereum rpc.Server and
// serves it over both plain HTTP (POST, one request/response per call)
// and WebSocket (supporting eth_subscribe) on the same listener address,
// matching cmd/geth's single "http+ws on one port" convenience mode.
type Server struct {
	rpc *rpc.Server
}

// NewServer registers every namespace against n and idx and returns a
// Server ready to Serve. idx may be nil only in tests that never call
// log-related methods.
func NewServer(n *node.Node, idx *filters.Index) (*Server, error) {
	srv := rpc.NewServer()

	fm := NewFilterManager(n.Store(), idx, n.Pool())

	for _, reg := range []struct {
		namespace string
		receiver  any
	}{
		{"eth", NewEthAPI(n)},
		{"eth", fm},
		{"net", NewNetAPI(n)},
		{"web3", NewWeb3API()},
		{"test", NewTestAPI(n)},
	} {
		if err := srv.RegisterName(reg.namespace, reg.receiver); err != nil {
			return nil, fmt.Errorf("register %s API: %w", reg.namespace, err)
		}
	}

	return &Server{rpc: srv}, nil
}

// httpOrWebsocket routes a WebSocket upgrade request to ws, everything
// else to http, mirroring the single-port dispatch the teacher's node
// package performs in its own handler stack.
func httpOrWebsocket(httpHandler, ws http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			ws.ServeHTTP(w, r)
			return
		}
		httpHandler.ServeHTTP(w, r)
	}
}

// Serve listens on addr and blocks until ctx is canceled, then drains
// in-flight requests and subscriptions before returning. A non-nil
// return other than a clean shutdown indicates a bind failure.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ws := s.rpc.WebsocketHandler([]string{"*"})
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: httpOrWebsocket(s.rpc, ws),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("rpc server listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.rpc.Stop()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
