// Package transport is a minimal TCP+gob RPC collaborator for the search
// and update protocols, grounded on the teacher's own net.Dial +
// gob.NewEncoder client pattern (ODXT/ODXTClient.go) and its
// net.Listen-based server mains (cmd/ODXT/server/main.go). Spec §6 scopes
// transport out of the core; this package exists only so cmd/sophos has
// something real to dial.
package transport

import (
	"encoding/gob"
	"fmt"
	"log"
	"net"

	"sophos/pkg/sophos"
)

// messageKind tags which request a frame carries, since both request
// types share one connection/listener.
type messageKind byte

const (
	kindUpdate messageKind = iota
	kindSearch
)

type frame struct {
	Kind   messageKind
	Update sophos.UpdateRequest
	Search sophos.SearchRequest
}

// Client dials a server address and sends UpdateRequest/SearchRequest
// messages over a fresh connection per call, mirroring ODXTClient.Update's
// dial-encode-close pattern.
type Client struct {
	Addr string
}

// NewClient returns a Client that dials addr for every call.
func NewClient(addr string) *Client {
	return &Client{Addr: addr}
}

// Update sends req and returns whether the server accepted it.
func (c *Client) Update(req sophos.UpdateRequest) (bool, error) {
	conn, err := net.Dial("tcp", c.Addr)
	if err != nil {
		return false, fmt.Errorf("connecting to %s: %w", c.Addr, err)
	}
	defer conn.Close()

	if err := gob.NewEncoder(conn).Encode(frame{Kind: kindUpdate, Update: req}); err != nil {
		return false, fmt.Errorf("sending update: %w", err)
	}
	var ok bool
	if err := gob.NewDecoder(conn).Decode(&ok); err != nil {
		return false, fmt.Errorf("reading update ack: %w", err)
	}
	return ok, nil
}

// Search sends req and returns the decoded SearchResponse.
func (c *Client) Search(req sophos.SearchRequest) (sophos.SearchResponse, error) {
	conn, err := net.Dial("tcp", c.Addr)
	if err != nil {
		return sophos.SearchResponse{}, fmt.Errorf("connecting to %s: %w", c.Addr, err)
	}
	defer conn.Close()

	if err := gob.NewEncoder(conn).Encode(frame{Kind: kindSearch, Search: req}); err != nil {
		return sophos.SearchResponse{}, fmt.Errorf("sending search: %w", err)
	}
	var resp sophos.SearchResponse
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return sophos.SearchResponse{}, fmt.Errorf("reading search response: %w", err)
	}
	return resp, nil
}

// Handler is the pair of operations a listening server dispatches frames
// to.
type Handler interface {
	Update(sophos.UpdateRequest) bool
	Search(sophos.SearchRequest) sophos.SearchResponse
}

// Serve listens on addr and dispatches each connection's single frame to
// h, one goroutine per connection, until the listener is closed.
func Serve(addr string, h Handler) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Printf("sophos transport listening at %v", lis.Addr())
	for {
		conn, err := lis.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go handleConn(conn, h)
	}
}

func handleConn(conn net.Conn, h Handler) {
	defer conn.Close()

	var f frame
	if err := gob.NewDecoder(conn).Decode(&f); err != nil {
		log.Printf("sophos transport: decoding frame: %v", err)
		return
	}

	switch f.Kind {
	case kindUpdate:
		ok := h.Update(f.Update)
		if err := gob.NewEncoder(conn).Encode(ok); err != nil {
			log.Printf("sophos transport: encoding update ack: %v", err)
		}
	case kindSearch:
		resp := h.Search(f.Search)
		if err := gob.NewEncoder(conn).Encode(resp); err != nil {
			log.Printf("sophos transport: encoding search response: %v", err)
		}
	default:
		log.Printf("sophos transport: unknown frame kind %d", f.Kind)
	}
}
