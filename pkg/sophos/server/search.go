package server

import (
	"context"
	"sync"

	"sophos/pkg/sophos"
)

// Search runs the sequential search protocol engine (spec §4.5's
// conceptual algorithm): iterate the public TDP forward add_count steps
// from req.Token, deriving an update token and mask at each step,
// unmasking whatever the EDB holds for it.
func (s *Server) Search(req sophos.SearchRequest) sophos.SearchResponse {
	var out []sophos.Index
	s.SearchCallback(req, func(idx sophos.Index) {
		out = append(out, idx)
	})
	return sophos.SearchResponse{Indices: out}
}

// SearchCallback runs the sequential search protocol engine, invoking fn
// once per matched index instead of collecting a slice.
func (s *Server) SearchCallback(req sophos.SearchRequest, fn func(sophos.Index)) {
	tx, err := s.db.ROTransaction()
	if err != nil {
		s.logger.Printf("ERROR: unable to begin search transaction: %v", err)
		return
	}
	defer tx.Commit()

	kw := sophos.NewPrf(req.DerivationKey[:])
	for i := uint64(0); i < req.AddCount; i++ {
		st := s.pub.EvalCount(req.Token, i)
		s.emitStep(tx, kw, st, fn)
	}
}

// emitStep performs the PRF+get+unmask+emit step common to every search
// variant, for one point st along the TDP chain.
func (s *Server) emitStep(tx interface {
	Get(sophos.UpdateToken) (sophos.Index, bool)
}, kw *sophos.Prf, st sophos.SearchToken, fn func(sophos.Index)) {
	ut := kw.DeriveUpdateToken(st)
	masked, ok := tx.Get(ut)
	if !ok {
		s.logger.Printf("ERROR: expected to find a value for update token %x", ut)
		return
	}
	mask := kw.DeriveMask(st)
	fn(sophos.XorMask(masked, mask))
}

// SearchParallelFull runs the three-stage pipeline variant spec §4.5 and
// §9 Design Note 1 call for: a TDP-eval pool, a PRF+lookup pool, and a
// decrypt+emit pool, chained by hand-off channels. All three pools are
// joined, and the read transaction committed, before returning (the fix
// Design Note 1 mandates over the source's version).
func (s *Server) SearchParallelFull(ctx context.Context, req sophos.SearchRequest, evalWorkers, lookupWorkers, emitWorkers int) (sophos.SearchResponse, error) {
	if req.AddCount == 0 {
		return sophos.SearchResponse{}, nil
	}
	if evalWorkers <= 0 {
		evalWorkers = 1
	}
	if lookupWorkers <= 0 {
		lookupWorkers = 1
	}
	if emitWorkers <= 0 {
		emitWorkers = 1
	}

	tx, err := s.db.ROTransaction()
	if err != nil {
		return sophos.SearchResponse{}, err
	}
	defer tx.Commit()

	kw := sophos.NewPrf(req.DerivationKey[:])

	type evalResult struct {
		i  uint64
		st sophos.SearchToken
	}
	type lookupResult struct {
		masked sophos.Index
		mask   []byte
		found  bool
	}

	evalCh := make(chan evalResult, evalWorkers)
	lookupCh := make(chan lookupResult, lookupWorkers)

	var evalWg, lookupWg, emitWg sync.WaitGroup
	var mu sync.Mutex
	var out []sophos.Index

	evalWg.Add(1)
	go func() {
		defer evalWg.Done()
		defer close(evalCh)
		// The TDP-eval stage runs through Public.EvalMany, which is
		// bounded by the server's own eval worker pool (spec §4.2)
		// rather than a stage-local semaphore.
		ks := make([]uint64, req.AddCount)
		for i := range ks {
			ks[i] = uint64(i)
		}
		sts, err := s.pub.EvalMany(ctx, req.Token, ks)
		if err != nil {
			s.logger.Printf("ERROR: tdp eval pool: %v", err)
			return
		}
		for i, st := range sts {
			evalCh <- evalResult{i: uint64(i), st: st}
		}
	}()

	lookupWg.Add(1)
	go func() {
		defer lookupWg.Done()
		defer close(lookupCh)
		var inner sync.WaitGroup
		sem := make(chan struct{}, lookupWorkers)
		for r := range evalCh {
			sem <- struct{}{}
			inner.Add(1)
			go func(r evalResult) {
				defer inner.Done()
				defer func() { <-sem }()
				ut := kw.DeriveUpdateToken(r.st)
				masked, ok := tx.Get(ut)
				if !ok {
					s.logger.Printf("ERROR: expected to find a value for update token %x", ut)
					return
				}
				mask := kw.DeriveMask(r.st)
				lookupCh <- lookupResult{masked: masked, mask: mask, found: true}
			}(r)
		}
		inner.Wait()
	}()

	emitWg.Add(1)
	go func() {
		defer emitWg.Done()
		var inner sync.WaitGroup
		sem := make(chan struct{}, emitWorkers)
		for r := range lookupCh {
			sem <- struct{}{}
			inner.Add(1)
			go func(r lookupResult) {
				defer inner.Done()
				defer func() { <-sem }()
				idx := sophos.XorMask(r.masked, r.mask)
				mu.Lock()
				out = append(out, idx)
				mu.Unlock()
			}(r)
		}
		inner.Wait()
	}()

	evalWg.Wait()
	lookupWg.Wait()
	emitWg.Wait()

	return sophos.SearchResponse{Indices: out}, nil
}

// SearchParallelAccess runs the "parallel-access(a)" variant: an access
// pool of accessWorkers workers does PRF+get+unmask+emit under a single
// result mutex (spec §4.5). The TDP-eval steps feeding that pool run on
// Public's own eval worker pool through EvalMany; hardwareConcurrency
// does not size that stage or any other.
func (s *Server) SearchParallelAccess(ctx context.Context, req sophos.SearchRequest, hardwareConcurrency, accessWorkers int) (sophos.SearchResponse, error) {
	var out []sophos.Index
	var mu sync.Mutex
	err := s.searchParallelAccessCallback(ctx, req, hardwareConcurrency, accessWorkers, func(idx sophos.Index) {
		mu.Lock()
		out = append(out, idx)
		mu.Unlock()
	})
	return sophos.SearchResponse{Indices: out}, err
}

// SearchParallelAccessCallback is the callback-emitting form of
// SearchParallelAccess.
func (s *Server) SearchParallelAccessCallback(ctx context.Context, req sophos.SearchRequest, hardwareConcurrency, accessWorkers int, fn func(sophos.Index)) error {
	var mu sync.Mutex
	return s.searchParallelAccessCallback(ctx, req, hardwareConcurrency, accessWorkers, func(idx sophos.Index) {
		mu.Lock()
		fn(idx)
		mu.Unlock()
	})
}

func (s *Server) searchParallelAccessCallback(ctx context.Context, req sophos.SearchRequest, hardwareConcurrency, accessWorkers int, emit func(sophos.Index)) error {
	if req.AddCount == 0 {
		return nil
	}
	if hardwareConcurrency <= accessWorkers {
		hardwareConcurrency = accessWorkers + 1
	}

	tx, err := s.db.ROTransaction()
	if err != nil {
		return err
	}
	defer tx.Commit()

	kw := sophos.NewPrf(req.DerivationKey[:])

	accessCh := make(chan sophos.SearchToken, accessWorkers)

	var accessWg sync.WaitGroup
	accessWg.Add(1)
	go func() {
		defer accessWg.Done()
		var inner sync.WaitGroup
		sem := make(chan struct{}, accessWorkers)
		for st := range accessCh {
			sem <- struct{}{}
			inner.Add(1)
			go func(st sophos.SearchToken) {
				defer inner.Done()
				defer func() { <-sem }()
				s.emitStep(tx, kw, st, emit)
			}(st)
		}
		inner.Wait()
	}()

	// The TDP-eval stage is Public's own eval worker pool (spec §4.2),
	// driven here through EvalMany.
	ks := make([]uint64, req.AddCount)
	for i := range ks {
		ks[i] = uint64(i)
	}
	sts, err := s.pub.EvalMany(ctx, req.Token, ks)
	if err != nil {
		close(accessCh)
		accessWg.Wait()
		return err
	}
	for _, st := range sts {
		accessCh <- st
	}
	close(accessCh)
	accessWg.Wait()
	return nil
}

// SearchParallelLight runs the "parallel-light(t)" variant: t threads,
// each owning the residue-class shard {j : j mod t == id}, computing its
// own TDP chain by starting at Public::eval(st, id) and stepping by
// Public::eval(·, t), doing PRF+get+unmask inline with no inter-thread
// queueing (spec §4.5).
func (s *Server) SearchParallelLight(ctx context.Context, req sophos.SearchRequest, t int) (sophos.SearchResponse, error) {
	var out []sophos.Index
	var mu sync.Mutex
	err := s.searchParallelLightCallback(req, t, func(idx sophos.Index) {
		mu.Lock()
		out = append(out, idx)
		mu.Unlock()
	})
	return sophos.SearchResponse{Indices: out}, err
}

// SearchParallelLightCallback is the callback-emitting form of
// SearchParallelLight.
func (s *Server) SearchParallelLightCallback(req sophos.SearchRequest, t int, fn func(sophos.Index)) error {
	var mu sync.Mutex
	return s.searchParallelLightCallback(req, t, func(idx sophos.Index) {
		mu.Lock()
		fn(idx)
		mu.Unlock()
	})
}

func (s *Server) searchParallelLightCallback(req sophos.SearchRequest, t int, emit func(sophos.Index)) error {
	if req.AddCount == 0 {
		return nil
	}
	if t <= 0 {
		t = 1
	}

	tx, err := s.db.ROTransaction()
	if err != nil {
		return err
	}
	defer tx.Commit()

	kw := sophos.NewPrf(req.DerivationKey[:])

	var wg sync.WaitGroup
	for id := 0; id < t; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if uint64(id) >= req.AddCount {
				return
			}
			st := s.pub.EvalCount(req.Token, uint64(id))
			for j := uint64(id); j < req.AddCount; j += uint64(t) {
				s.emitStep(tx, kw, st, emit)
				if j+uint64(t) < req.AddCount {
					st = s.pub.EvalCount(st, uint64(t))
				}
			}
		}(id)
	}
	wg.Wait()
	return nil
}
