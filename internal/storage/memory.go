package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/twkanban/kanban-engine/internal/models"
)

// In-memory implementations of the store interfaces. Used for development
// wiring and as test doubles; all of them return copies to prevent callers
// from mutating shared state.

// MemoryRuleStore is an in-memory implementation of RuleStore
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*models.Rule
}

// NewMemoryRuleStore creates a new in-memory rule store
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		rules: make(map[string]*models.Rule),
	}
}

// GetRule retrieves a rule by ID
func (s *MemoryRuleStore) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	return copyRule(rule), nil
}

// FindEnabledRules retrieves all enabled rules
func (s *MemoryRuleStore) FindEnabledRules(ctx context.Context) ([]*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]*models.Rule, 0)
	for _, rule := range s.rules {
		if rule.Enabled {
			rules = append(rules, copyRule(rule))
		}
	}
	sortRules(rules)
	return rules, nil
}

// FindRulesByOwner retrieves all rules owned by a user
func (s *MemoryRuleStore) FindRulesByOwner(ctx context.Context, userID string) ([]*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]*models.Rule, 0)
	for _, rule := range s.rules {
		if rule.UserID == userID {
			rules = append(rules, copyRule(rule))
		}
	}
	sortRules(rules)
	return rules, nil
}

// AddRule adds a new rule
func (s *MemoryRuleStore) AddRule(ctx context.Context, rule *models.Rule) error {
	if rule == nil {
		return fmt.Errorf("rule cannot be nil")
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", models.ErrDuplicateRule, rule.ID)
	}
	for _, existing := range s.rules {
		if existing.UserID == rule.UserID && existing.Name == rule.Name {
			return fmt.Errorf("%w: %s", models.ErrDuplicateRuleName, rule.Name)
		}
	}
	s.rules[rule.ID] = copyRule(rule)
	return nil
}

// UpdateRule updates an existing rule
func (s *MemoryRuleStore) UpdateRule(ctx context.Context, rule *models.Rule) error {
	if rule == nil {
		return fmt.Errorf("rule cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; !exists {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, rule.ID)
	}
	s.rules[rule.ID] = copyRule(rule)
	return nil
}

// DeleteRule deletes a rule by ID
func (s *MemoryRuleStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	delete(s.rules, id)
	return nil
}

// EnableRule enables a rule
func (s *MemoryRuleStore) EnableRule(ctx context.Context, id string) error {
	return s.setEnabled(id, true)
}

// DisableRule disables a rule
func (s *MemoryRuleStore) DisableRule(ctx context.Context, id string) error {
	return s.setEnabled(id, false)
}

func (s *MemoryRuleStore) setEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	rule.Enabled = enabled
	return nil
}

// MemoryCardStore is an in-memory implementation of CardStore
type MemoryCardStore struct {
	mu    sync.RWMutex
	cards map[string]*models.Card
}

// NewMemoryCardStore creates a new in-memory card store
func NewMemoryCardStore() *MemoryCardStore {
	return &MemoryCardStore{
		cards: make(map[string]*models.Card),
	}
}

// GetCard retrieves a card by ID
func (s *MemoryCardStore) GetCard(ctx context.Context, id string) (*models.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	card, exists := s.cards[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrCardNotFound, id)
	}
	return copyCard(card), nil
}

// FindCardsByOwner retrieves all cards owned by a user
func (s *MemoryCardStore) FindCardsByOwner(ctx context.Context, userID string) ([]*models.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cards := make([]*models.Card, 0)
	for _, card := range s.cards {
		if card.UserID == userID {
			cards = append(cards, copyCard(card))
		}
	}
	sort.Slice(cards, func(i, j int) bool {
		if cards[i].CreatedAt.Equal(cards[j].CreatedAt) {
			return cards[i].ID < cards[j].ID
		}
		return cards[i].CreatedAt.Before(cards[j].CreatedAt)
	})
	return cards, nil
}

// DistinctStockCodes lists every stock code present on any card
func (s *MemoryCardStore) DistinctStockCodes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	codes := make([]string, 0)
	for _, card := range s.cards {
		if _, ok := seen[card.StockCode]; !ok {
			seen[card.StockCode] = struct{}{}
			codes = append(codes, card.StockCode)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// AddCard adds a new card
func (s *MemoryCardStore) AddCard(ctx context.Context, card *models.Card) error {
	if card == nil {
		return fmt.Errorf("card cannot be nil")
	}
	if err := card.Validate(); err != nil {
		return fmt.Errorf("invalid card: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cards[card.ID]; exists {
		return fmt.Errorf("%w: %s", models.ErrDuplicateCard, card.ID)
	}
	s.cards[card.ID] = copyCard(card)
	return nil
}

// UpdateStatus atomically sets the status of a single card
func (s *MemoryCardStore) UpdateStatus(ctx context.Context, cardID string, status models.CardStatus) error {
	if !status.IsValid() {
		return models.ErrInvalidCardStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	card, exists := s.cards[cardID]
	if !exists {
		return fmt.Errorf("%w: %s", models.ErrCardNotFound, cardID)
	}
	card.Status = status
	return nil
}

// DeleteCard deletes a card by ID
func (s *MemoryCardStore) DeleteCard(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cards[id]; !exists {
		return fmt.Errorf("%w: %s", models.ErrCardNotFound, id)
	}
	delete(s.cards, id)
	return nil
}

// MemoryExecutionStore is an in-memory implementation of ExecutionStore
type MemoryExecutionStore struct {
	mu      sync.RWMutex
	records []*models.ExecutionRecord // append order = chronological
}

// NewMemoryExecutionStore creates a new in-memory execution store
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{}
}

// SaveExecution appends an execution record
func (s *MemoryExecutionStore) SaveExecution(ctx context.Context, record *models.ExecutionRecord) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid execution record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, copyRecord(record))
	return nil
}

// FindMostRecent returns the latest record for a (rule, card) pair
func (s *MemoryExecutionStore) FindMostRecent(ctx context.Context, ruleID, cardID string) (*models.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].RuleID == ruleID && s.records[i].CardID == cardID {
			return copyRecord(s.records[i]), nil
		}
	}
	return nil, nil
}

// FindByRule returns records for a rule, newest first, paginated
func (s *MemoryExecutionStore) FindByRule(ctx context.Context, ruleID string, limit, offset int) ([]*models.ExecutionRecord, error) {
	return s.findBy(func(r *models.ExecutionRecord) bool { return r.RuleID == ruleID }, limit, offset)
}

// FindByCard returns records for a card, newest first, paginated
func (s *MemoryExecutionStore) FindByCard(ctx context.Context, cardID string, limit, offset int) ([]*models.ExecutionRecord, error) {
	return s.findBy(func(r *models.ExecutionRecord) bool { return r.CardID == cardID }, limit, offset)
}

func (s *MemoryExecutionStore) findBy(match func(*models.ExecutionRecord) bool, limit, offset int) ([]*models.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.ExecutionRecord, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		if match(s.records[i]) {
			matched = append(matched, s.records[i])
		}
	}

	if offset > len(matched) {
		offset = len(matched)
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	page := make([]*models.ExecutionRecord, 0, end-offset)
	for _, r := range matched[offset:end] {
		page = append(page, copyRecord(r))
	}
	return page, nil
}

// Count returns the total number of stored records (useful in tests)
func (s *MemoryExecutionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MemoryIndicatorStore is an in-memory implementation of IndicatorStore
type MemoryIndicatorStore struct {
	mu        sync.RWMutex
	snapshots map[string]*models.IndicatorSnapshot // latest per stock code
}

// NewMemoryIndicatorStore creates a new in-memory indicator store
func NewMemoryIndicatorStore() *MemoryIndicatorStore {
	return &MemoryIndicatorStore{
		snapshots: make(map[string]*models.IndicatorSnapshot),
	}
}

// SaveIndicator persists an indicator snapshot
func (s *MemoryIndicatorStore) SaveIndicator(ctx context.Context, snapshot *models.IndicatorSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := *snapshot
	s.snapshots[snapshot.StockCode] = &snap
	return nil
}

// FindLatestIndicator returns the latest snapshot for a stock code
func (s *MemoryIndicatorStore) FindLatestIndicator(ctx context.Context, stockCode string) (*models.IndicatorSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, exists := s.snapshots[stockCode]
	if !exists {
		return nil, nil
	}
	snap := *snapshot
	return &snap, nil
}

// MemoryPriceSource is an in-memory PriceSource and PriceHistorySource
type MemoryPriceSource struct {
	mu        sync.RWMutex
	snapshots map[string]*models.PriceSnapshot
	history   map[string][]*models.PricePoint // most recent first
}

// NewMemoryPriceSource creates a new in-memory price source
func NewMemoryPriceSource() *MemoryPriceSource {
	return &MemoryPriceSource{
		snapshots: make(map[string]*models.PriceSnapshot),
		history:   make(map[string][]*models.PricePoint),
	}
}

// SetSnapshot stores the latest snapshot for a stock code
func (s *MemoryPriceSource) SetSnapshot(snapshot *models.PriceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := *snapshot
	s.snapshots[snapshot.StockCode] = &snap
}

// SetHistory stores the price history for a stock code, most recent first
func (s *MemoryPriceSource) SetHistory(stockCode string, points []*models.PricePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[stockCode] = points
}

// GetLatestSnapshot returns the latest snapshot for a stock code
func (s *MemoryPriceSource) GetLatestSnapshot(ctx context.Context, stockCode string) (*models.PriceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, exists := s.snapshots[stockCode]
	if !exists {
		return nil, nil
	}
	snap := *snapshot
	return &snap, nil
}

// GetRecentPrices returns up to limit recent price points, most recent first
func (s *MemoryPriceSource) GetRecentPrices(ctx context.Context, stockCode string, limit int) ([]*models.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points := s.history[stockCode]
	if limit > 0 && len(points) > limit {
		points = points[:limit]
	}
	result := make([]*models.PricePoint, len(points))
	for i, p := range points {
		pp := *p
		result[i] = &pp
	}
	return result, nil
}

// MemoryAuditStore is an in-memory implementation of AuditStore
type MemoryAuditStore struct {
	mu      sync.RWMutex
	Entries []*models.AuditEntry
}

// NewMemoryAuditStore creates a new in-memory audit store
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// SaveAuditEntry appends an audit entry
func (s *MemoryAuditStore) SaveAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	s.Entries = append(s.Entries, &e)
	return nil
}

// Count returns the number of stored audit entries
func (s *MemoryAuditStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Entries)
}

// copy helpers

func copyRule(rule *models.Rule) *models.Rule {
	c := *rule
	if rule.LastExecutedAt != nil {
		t := *rule.LastExecutedAt
		c.LastExecutedAt = &t
	}
	return &c
}

func copyCard(card *models.Card) *models.Card {
	c := *card
	return &c
}

func copyRecord(record *models.ExecutionRecord) *models.ExecutionRecord {
	c := *record
	if record.PreviousStatus != nil {
		s := *record.PreviousStatus
		c.PreviousStatus = &s
	}
	if record.NewStatus != nil {
		s := *record.NewStatus
		c.NewStatus = &s
	}
	return &c
}

func sortRules(rules []*models.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}
