package ipc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/edgefleet/shadowd/internal/ratelimit"
	"github.com/edgefleet/shadowd/internal/shadow"
	"github.com/edgefleet/shadowd/internal/store"
	"github.com/edgefleet/shadowd/internal/sync"
)

// Pagination bounds for ListNamedShadows.
const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Store is the read surface the IPC service needs. Satisfied by
// *store.Store.
type Store interface {
	GetShadowThing(ctx context.Context, key shadow.Key) (*store.StoredDocument, error)
	ListNamedShadowsForThing(ctx context.Context, thingName string, offset, limit int) ([]string, error)
}

// CloudSink propagates accepted local writes toward the cloud.
// Satisfied by *sync.Handler.
type CloudSink interface {
	PushCloudUpdate(ctx context.Context, key shadow.Key, update *shadow.Document) error
	PushCloudDelete(ctx context.Context, key shadow.Key) error
}

// Limiter fail-fast gates inbound requests. Satisfied by
// *ratelimit.Limiter.
type Limiter interface {
	AllowInbound(thingName string) error
}

// Service implements the local shadow operations.
type Service struct {
	store   Store
	writer  *sync.LocalWriter
	locks   *sync.KeyLocks
	sink    CloudSink
	limiter Limiter // nil means unlimited

	sizeLimit int
	logger    *slog.Logger
}

// NewService wires the IPC surface. The writer and locks must be the
// same instances the sync engine uses, so local writes and sync
// writes serialize against each other.
func NewService(st Store, writer *sync.LocalWriter, locks *sync.KeyLocks, sink CloudSink, limiter Limiter, sizeLimit int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	if sizeLimit <= 0 || sizeLimit > shadow.MaxSizeLimit {
		sizeLimit = shadow.DefaultSizeLimit
	}

	return &Service{
		store:     st,
		writer:    writer,
		locks:     locks,
		sink:      sink,
		limiter:   limiter,
		sizeLimit: sizeLimit,
		logger:    logger,
	}
}

// SetSizeLimit applies a new document size limit, typically after a
// configuration reload.
func (s *Service) SetSizeLimit(limit int) {
	if limit <= 0 || limit > shadow.MaxSizeLimit {
		limit = shadow.DefaultSizeLimit
	}

	s.sizeLimit = limit
}

// GetThingShadow returns the current local document for a shadow.
func (s *Service) GetThingShadow(ctx context.Context, thingName, shadowName string) ([]byte, error) {
	if err := s.admit(thingName, shadowName); err != nil {
		return nil, err
	}

	key := shadow.NewKey(thingName, shadowName)

	doc, err := s.store.GetShadowThing(ctx, key)
	if err != nil {
		s.logger.Error("get shadow failed",
			slog.String("shadow", key.String()),
			slog.String("error", err.Error()),
		)

		return nil, serviceError(err)
	}

	if doc == nil {
		return nil, resourceNotFound("no shadow found for %s", key)
	}

	return doc.Payload, nil
}

// UpdateThingShadow merges an update into the local shadow and queues
// the change for cloud propagation. Returns the accepted document
// with the caller's client token echoed back.
func (s *Service) UpdateThingShadow(ctx context.Context, thingName, shadowName string, payload []byte) ([]byte, error) {
	if err := s.admit(thingName, shadowName); err != nil {
		return nil, err
	}

	if err := shadow.CheckSize(payload, s.sizeLimit); err != nil {
		return nil, invalidArguments("%v", err)
	}

	update, err := shadow.ParseDocument(payload)
	if err != nil {
		return nil, invalidArguments("%v", err)
	}

	if update.State.Desired == nil && update.State.Reported == nil {
		return nil, invalidArguments("update carries neither desired nor reported state")
	}

	key := shadow.NewKey(thingName, shadowName)

	unlock := s.locks.Lock(key)
	res, werr := s.writer.Update(ctx, key, update)
	unlock()

	if werr != nil {
		if errors.Is(werr, sync.ErrVersionMismatch) {
			return nil, conflictError("%v", werr)
		}

		s.logger.Error("update shadow failed",
			slog.String("shadow", key.String()),
			slog.String("error", werr.Error()),
		)

		return nil, serviceError(werr)
	}

	if s.sink != nil {
		if err := s.sink.PushCloudUpdate(ctx, key, update); err != nil {
			s.logger.Warn("queueing cloud propagation failed",
				slog.String("shadow", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Debug("shadow updated via ipc",
		slog.String("shadow", key.String()),
		slog.Int64("version", res.Version),
	)

	return echoClientToken(res.Document, update.ClientToken)
}

// DeleteThingShadow removes the local shadow and queues the delete
// for cloud propagation.
func (s *Service) DeleteThingShadow(ctx context.Context, thingName, shadowName string) error {
	if err := s.admit(thingName, shadowName); err != nil {
		return err
	}

	key := shadow.NewKey(thingName, shadowName)

	unlock := s.locks.Lock(key)
	prev, err := s.writer.Delete(ctx, key)
	unlock()

	if err != nil {
		s.logger.Error("delete shadow failed",
			slog.String("shadow", key.String()),
			slog.String("error", err.Error()),
		)

		return serviceError(err)
	}

	if prev == nil {
		return resourceNotFound("no shadow found for %s", key)
	}

	if s.sink != nil {
		if err := s.sink.PushCloudDelete(ctx, key); err != nil {
			s.logger.Warn("queueing cloud propagation failed",
				slog.String("shadow", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Debug("shadow deleted via ipc",
		slog.String("shadow", key.String()),
	)

	return nil
}

// ListNamedShadows pages through a thing's named shadows. The token
// is an opaque continuation; callers pass it back verbatim.
func (s *Service) ListNamedShadows(ctx context.Context, thingName, nextToken string, pageSize int) ([]string, string, error) {
	if err := s.admit(thingName, ""); err != nil {
		return nil, "", err
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	if pageSize > MaxPageSize {
		return nil, "", invalidArguments("page size %d exceeds maximum %d", pageSize, MaxPageSize)
	}

	offset, err := decodeToken(nextToken)
	if err != nil {
		return nil, "", invalidArguments("invalid next token")
	}

	names, err := s.store.ListNamedShadowsForThing(ctx, thingName, offset, pageSize+1)
	if err != nil {
		s.logger.Error("list named shadows failed",
			slog.String("thing", thingName),
			slog.String("error", err.Error()),
		)

		return nil, "", serviceError(err)
	}

	// One extra row signals another page.
	var token string
	if len(names) > pageSize {
		names = names[:pageSize]
		token = encodeToken(offset + pageSize)
	}

	return names, token, nil
}

// admit runs validation and rate limiting shared by every operation.
func (s *Service) admit(thingName, shadowName string) error {
	if err := validateThingName(thingName); err != nil {
		return err
	}

	if err := validateShadowName(shadowName); err != nil {
		return err
	}

	if s.limiter != nil {
		if err := s.limiter.AllowInbound(thingName); err != nil {
			if errors.Is(err, ratelimit.ErrThrottled) {
				return tooManyRequests()
			}

			return serviceError(err)
		}
	}

	return nil
}

// echoClientToken injects the caller's client token into the accepted
// document.
func echoClientToken(docBytes []byte, token string) ([]byte, error) {
	if token == "" {
		return docBytes, nil
	}

	doc, err := shadow.ParseDocument(docBytes)
	if err != nil {
		return nil, serviceError(err)
	}

	doc.ClientToken = token

	out, err := doc.Bytes()
	if err != nil {
		return nil, serviceError(err)
	}

	return out, nil
}

func encodeToken(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, err
	}

	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("ipc: bad offset token")
	}

	return offset, nil
}
