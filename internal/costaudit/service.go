package costaudit

import (
	"context"
	"errors"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	Insert(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter, limit, offset int) ([]Entry, int, error)
}

// Service exposes the append-only cost change ledger.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Result wraps a page of entries with paging metadata.
type Result struct {
	Entries    []Entry
	Pagination shared.Pagination
}

// Record appends an entry. There is no update or delete; this is a ledger of
// history, not mutable state.
func (s *Service) Record(ctx context.Context, entry Entry) error {
	if s == nil || s.repo == nil {
		return errors.New("costaudit: service not configured")
	}
	if entry.ProductID == 0 || entry.SaleLineID == 0 {
		return ErrIncompleteEntry
	}
	if !entry.Reason.Valid() {
		return ErrInvalidReason
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	if entry.Delta.IsZero() {
		entry.Delta = entry.NewCost.Sub(entry.OldCost)
	}
	return s.repo.Insert(ctx, entry)
}

// Query lists entries matching the filter with pagination.
func (s *Service) Query(ctx context.Context, filter Filter) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, errors.New("costaudit: service not configured")
	}
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	entries, total, err := s.repo.List(ctx, filter, perPage, (page-1)*perPage)
	if err != nil {
		return Result{}, err
	}
	return Result{Entries: entries, Pagination: shared.NewPagination(page, perPage, total)}, nil
}
