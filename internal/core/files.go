package core

import (
	"context"
	"errors"

	"github.com/vovakirdan/replica-server/internal/proto"
	"github.com/vovakirdan/replica-server/internal/store"
)

// filePath maps a client-supplied path into the files namespace.
func filePath(p string) (string, error) {
	clean, err := store.CleanPath(p)
	if err != nil {
		return "", protocolViolation("file path: %v", err)
	}
	return filePrefix + clean, nil
}

func (h *Hub) handleSaveFile(p *Participant, req *request) error {
	name := req.r.String()
	data := req.r.Blob()
	if err := req.malformed(); err != nil {
		return err
	}
	key, err := filePath(name)
	if err != nil {
		return err
	}
	if _, busy := h.saving[key]; busy {
		return ErrSaveInProgress
	}
	h.saving[key] = struct{}{}

	ctx := h.ctx
	var saveErr error
	ok := h.sched.SubmitWithCallback(
		func() {
			ctx, cancel := context.WithTimeout(ctx, storeTimeout)
			defer cancel()
			saveErr = h.store.Save(ctx, key, data)
		},
		func() {
			delete(h.saving, key)
			code := ""
			if saveErr != nil {
				h.log.Error().Err(saveErr).Str("path", key).Msg("failed to save file")
				code = errCodeFor(saveErr)
			}
			w := proto.Begin(proto.OpResponseSaveFile)
			w.String(name)
			w.Bool(saveErr == nil)
			w.String(code)
			p.send(w.Bytes(), false)
		},
	)
	if !ok {
		delete(h.saving, key)
		return coreError(proto.ErrCodeStorage, errSchedulerClosed.Error())
	}
	return nil
}

func (h *Hub) handleLoadFile(p *Participant, req *request) error {
	name := req.r.String()
	if err := req.malformed(); err != nil {
		return err
	}
	key, err := filePath(name)
	if err != nil {
		return err
	}

	ctx := h.ctx
	var (
		blob    *store.Blob
		loadErr error
	)
	ok := h.sched.SubmitWithCallback(
		func() {
			ctx, cancel := context.WithTimeout(ctx, storeTimeout)
			defer cancel()
			blob, loadErr = h.store.Load(ctx, key)
		},
		func() {
			if loadErr != nil && !errors.Is(loadErr, store.ErrNotFound) {
				h.log.Error().Err(loadErr).Str("path", key).Msg("failed to load file")
			}
			w := proto.Begin(proto.OpResponseLoadFile)
			w.String(name)
			w.Bool(loadErr == nil)
			if loadErr == nil {
				w.Blob(blob.Data)
			} else {
				w.Blob(nil)
			}
			p.send(w.Bytes(), false)
		},
	)
	if !ok {
		return coreError(proto.ErrCodeStorage, errSchedulerClosed.Error())
	}
	return nil
}

func (h *Hub) handleDeleteFile(p *Participant, req *request) error {
	name := req.r.String()
	if err := req.malformed(); err != nil {
		return err
	}
	key, err := filePath(name)
	if err != nil {
		return err
	}
	if _, busy := h.saving[key]; busy {
		return ErrSaveInProgress
	}
	ctx := h.ctx
	ok := h.sched.Submit(func() {
		ctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := h.store.Delete(ctx, key); err != nil {
			h.log.Error().Err(err).Str("path", key).Msg("failed to delete file")
		}
	})
	if !ok {
		return coreError(proto.ErrCodeStorage, errSchedulerClosed.Error())
	}
	return nil
}
