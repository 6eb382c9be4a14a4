// Package server implements the server-side encrypted index engine, C3's
// collaborator binding (C7's server_setup/server_open) and the update
// protocol engine (C6).
package server

import (
	"fmt"
	"log"
	"os"

	"sophos/pkg/sophos"
	"sophos/pkg/sophos/edb"
)

// Server holds the EDB and the public TDP used to walk search-token
// chains on the server's behalf (spec §4.7).
type Server struct {
	db     *edb.EDB
	pub    *sophos.Public
	logger *log.Logger
}

// ServerSetup initializes a fresh EDB under dbDir and binds a Public TDP
// reconstructed from tdpPk, per spec §4.7's server_setup.
func ServerSetup(dbDir string, tmSetupSize int, tdpPk []byte, workers int) (*Server, error) {
	db, err := edb.OpenNew(dbDir, tmSetupSize, sophos.UpdateTokenSize, sophos.IndexSize)
	if err != nil {
		return nil, err
	}
	pub, err := sophos.NewPublicFromBytes(tdpPk, workers)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Server{db: db, pub: pub, logger: log.New(os.Stderr, "sophos/server: ", log.LstdFlags)}, nil
}

// ServerOpen reopens an existing EDB under dbDir and binds a Public TDP
// reconstructed from tdpPk, per spec §4.7's server_open.
func ServerOpen(dbDir string, tdpPk []byte, workers int) (*Server, error) {
	db, err := edb.OpenExisting(dbDir)
	if err != nil {
		return nil, err
	}
	pub, err := sophos.NewPublicFromBytes(tdpPk, workers)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Server{db: db, pub: pub, logger: log.New(os.Stderr, "sophos/server: ", log.LstdFlags)}, nil
}

// Close releases the server's EDB handle.
func (s *Server) Close() error {
	return s.db.Close()
}

// Update implements the update protocol engine's server side (spec §4.6):
// a direct EDB put with no read-back and no acknowledgment beyond
// transport.
func (s *Server) Update(req sophos.UpdateRequest) bool {
	ok := s.db.Put(req.Token, req.Index)
	if !ok {
		s.logger.Printf("ERROR: update put failed for token %x", req.Token)
	}
	return ok
}

// Entries reports the number of records currently stored in the EDB.
func (s *Server) Entries() uint64 {
	return s.db.Entries()
}

// PrintStats writes a one-line summary of EDB occupancy to the server's
// logger, mirroring the teacher's habit of a stats dump after a bulk
// load (ODXT/ODXTServer.go).
func (s *Server) PrintStats() {
	s.logger.Printf("INFO: %s", fmt.Sprintf("edb entries=%d", s.db.Entries()))
}
