// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loopr/loopr/internal/eventbus"
	"github.com/loopr/loopr/internal/loggingx"
)

// WSServer is the optional companion listener for non-local clients (a
// remote TUI over a loopback or forwarded port, where a Unix socket is not
// reachable). It speaks the same Envelope shape as Server, framed as
// individual WebSocket text messages instead of newline-delimited bytes,
// and requires a bearer token minted by a TokenIssuer.
type WSServer struct {
	registry *Registry
	bus      *eventbus.Bus
	issuer   *TokenIssuer
	limiter  *RateLimiter
	logger   *slog.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewWSServer constructs a companion listener. issuer and limiter must be
// non-nil; every connection is rejected without a valid bearer token.
func NewWSServer(registry *Registry, bus *eventbus.Bus, issuer *TokenIssuer, limiter *RateLimiter, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSServer{
		registry: registry,
		bus:      bus,
		issuer:   issuer,
		limiter:  limiter,
		logger:   loggingx.WithComponent(logger, "protocol-ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve listens on addr (host:port) until ctx is cancelled.
func (s *WSServer) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	s.httpServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("companion websocket listener starting", slog.String("addr", addr))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Wait blocks until every connection goroutine spawned by Serve has
// returned.
func (s *WSServer) Wait() {
	s.wg.Wait()
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(r.RemoteAddr) {
		http.Error(w, "too many attempts", http.StatusTooManyRequests)
		return
	}

	token := r.Header.Get("Authorization")
	if len(token) > 7 && token[:7] == "Bearer " {
		token = token[7:]
	}
	if _, err := s.issuer.Verify(token); err != nil {
		s.logger.Warn("websocket auth rejected", slog.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.wg.Add(1)
	go s.handleConn(r.Context(), conn)
}

func (s *WSServer) handleConn(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	writeMu := &sync.Mutex{}
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := ParseEnvelope(data)
			if err != nil {
				writeMu.Lock()
				_ = conn.WriteJSON(NewErrorResponse(nil, CodeInvalidParams, err.Error()))
				writeMu.Unlock()
				continue
			}
			if !env.IsRequest() {
				continue
			}

			resp, panicked := s.registry.Handle(ctx, env)
			writeMu.Lock()
			werr := conn.WriteJSON(resp)
			writeMu.Unlock()
			if werr != nil || panicked {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			writeMu.Lock()
			err := conn.WriteJSON(NewEvent(evt.Type, map[string]any{
				"loop_id":    evt.LoopID,
				"payload":    evt.Payload,
				"created_at": evt.CreatedAt,
			}))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
