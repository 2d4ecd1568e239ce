package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
)

// MemoryStore 以内存方式保存工作流记录，主要用于测试与本地运行。
type MemoryStore struct {
	mu sync.RWMutex

	agents             map[string]*fasset.Agent
	mintings           map[string]*fasset.Minting
	redemptions        map[string]*fasset.Redemption
	underlyingPayments map[int64]*fasset.UnderlyingPayment
	updateSettings     map[int64]*fasset.UpdateSetting
	handshakes         map[string]*fasset.Handshake
	events             map[string]*fasset.EventRecord

	nextID int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:             make(map[string]*fasset.Agent),
		mintings:           make(map[string]*fasset.Minting),
		redemptions:        make(map[string]*fasset.Redemption),
		underlyingPayments: make(map[int64]*fasset.UnderlyingPayment),
		updateSettings:     make(map[int64]*fasset.UpdateSetting),
		handshakes:         make(map[string]*fasset.Handshake),
		events:             make(map[string]*fasset.EventRecord),
	}
}

func requestKey(vault string, requestID *big.Int) string {
	return vault + ":" + fasset.BigOrZero(requestID).String()
}

func eventKey(vault string, block uint64, txIndex, logIndex uint) string {
	return fmt.Sprintf("%s:%d:%d:%d", vault, block, txIndex, logIndex)
}

func (m *MemoryStore) allocID() int64 {
	m.nextID++
	return m.nextID
}

// CreateAgent 登记一个新的代理。
func (m *MemoryStore) CreateAgent(_ context.Context, agent *fasset.Agent) error {
	if agent == nil || agent.VaultAddress == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理金库地址不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.VaultAddress]; ok {
		return ErrConflict
	}
	now := time.Now().Unix()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	m.agents[agent.VaultAddress] = cloneAgent(agent)
	return nil
}

// GetAgent 返回指定代理。
func (m *MemoryStore) GetAgent(_ context.Context, vault string) (*fasset.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[vault]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(agent), nil
}

// UpdateAgent 覆盖保存代理。
func (m *MemoryStore) UpdateAgent(_ context.Context, agent *fasset.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.VaultAddress]; !ok {
		return ErrNotFound
	}
	agent.UpdatedAt = time.Now().Unix()
	m.agents[agent.VaultAddress] = cloneAgent(agent)
	return nil
}

// ListActiveAgents 返回所有活跃代理。
func (m *MemoryStore) ListActiveAgents(_ context.Context) ([]*fasset.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]*fasset.Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		if agent.Active {
			agents = append(agents, cloneAgent(agent))
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].VaultAddress < agents[j].VaultAddress })
	return agents, nil
}

// CreateMinting 创建铸币记录，同时把对应握手标记为已通过。
func (m *MemoryStore) CreateMinting(_ context.Context, minting *fasset.Minting) error {
	if minting == nil || minting.RequestID == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "铸币记录缺少预约编号")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := requestKey(minting.VaultAddress, minting.RequestID)
	if _, ok := m.mintings[key]; ok {
		return ErrConflict
	}
	now := time.Now().Unix()
	minting.ID = m.allocID()
	minting.CreatedAt = now
	minting.UpdatedAt = now
	m.mintings[key] = cloneMinting(minting)
	if hs, ok := m.handshakes[key]; ok && hs.State == fasset.HandshakeOpen {
		hs.State = fasset.HandshakeApproved
		hs.UpdatedAt = now
	}
	return nil
}

// GetMinting 返回指定铸币记录。
func (m *MemoryStore) GetMinting(_ context.Context, vault string, requestID *big.Int) (*fasset.Minting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	minting, ok := m.mintings[requestKey(vault, requestID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMinting(minting), nil
}

// UpdateMinting 覆盖保存铸币记录。
func (m *MemoryStore) UpdateMinting(_ context.Context, minting *fasset.Minting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := requestKey(minting.VaultAddress, minting.RequestID)
	if _, ok := m.mintings[key]; !ok {
		return ErrNotFound
	}
	minting.UpdatedAt = time.Now().Unix()
	m.mintings[key] = cloneMinting(minting)
	return nil
}

// ListOpenMintings 返回未完成的铸币记录。
func (m *MemoryStore) ListOpenMintings(_ context.Context, vault string) ([]*fasset.Minting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	open := make([]*fasset.Minting, 0)
	for _, minting := range m.mintings {
		if minting.VaultAddress == vault && minting.State != fasset.MintingDone {
			open = append(open, cloneMinting(minting))
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open, nil
}

// CreateRedemption 创建赎回记录。
func (m *MemoryStore) CreateRedemption(_ context.Context, redemption *fasset.Redemption) error {
	if redemption == nil || redemption.RequestID == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "赎回记录缺少请求编号")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := requestKey(redemption.VaultAddress, redemption.RequestID)
	if _, ok := m.redemptions[key]; ok {
		return ErrConflict
	}
	now := time.Now().Unix()
	redemption.ID = m.allocID()
	redemption.CreatedAt = now
	redemption.UpdatedAt = now
	m.redemptions[key] = cloneRedemption(redemption)
	return nil
}

// GetRedemption 返回指定赎回记录。
func (m *MemoryStore) GetRedemption(_ context.Context, vault string, requestID *big.Int) (*fasset.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	redemption, ok := m.redemptions[requestKey(vault, requestID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRedemption(redemption), nil
}

// UpdateRedemption 覆盖保存赎回记录。
func (m *MemoryStore) UpdateRedemption(_ context.Context, redemption *fasset.Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := requestKey(redemption.VaultAddress, redemption.RequestID)
	if _, ok := m.redemptions[key]; !ok {
		return ErrNotFound
	}
	redemption.UpdatedAt = time.Now().Unix()
	m.redemptions[key] = cloneRedemption(redemption)
	return nil
}

// ListOpenRedemptions 返回未完成的赎回记录。
func (m *MemoryStore) ListOpenRedemptions(_ context.Context, vault string) ([]*fasset.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	open := make([]*fasset.Redemption, 0)
	for _, redemption := range m.redemptions {
		if redemption.VaultAddress == vault && redemption.State != fasset.RedemptionDone {
			open = append(open, cloneRedemption(redemption))
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open, nil
}

// CreateUnderlyingPayment 创建底层链转账记录。
// 同一代理同一类型已有未完成记录时返回 ErrPaymentInFlight。
func (m *MemoryStore) CreateUnderlyingPayment(_ context.Context, payment *fasset.UnderlyingPayment) error {
	if payment == nil || payment.VaultAddress == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账记录缺少金库地址")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.underlyingPayments {
		if existing.VaultAddress == payment.VaultAddress &&
			existing.Kind == payment.Kind &&
			existing.State != fasset.UnderlyingDone {
			return fasset.ErrPaymentInFlight
		}
	}
	now := time.Now().Unix()
	payment.ID = m.allocID()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	m.underlyingPayments[payment.ID] = cloneUnderlyingPayment(payment)
	return nil
}

// UpdateUnderlyingPayment 覆盖保存底层链转账记录。
func (m *MemoryStore) UpdateUnderlyingPayment(_ context.Context, payment *fasset.UnderlyingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.underlyingPayments[payment.ID]; !ok {
		return ErrNotFound
	}
	payment.UpdatedAt = time.Now().Unix()
	m.underlyingPayments[payment.ID] = cloneUnderlyingPayment(payment)
	return nil
}

// ListOpenUnderlyingPayments 返回未完成的底层链转账记录。
func (m *MemoryStore) ListOpenUnderlyingPayments(_ context.Context, vault string) ([]*fasset.UnderlyingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	open := make([]*fasset.UnderlyingPayment, 0)
	for _, payment := range m.underlyingPayments {
		if payment.VaultAddress == vault && payment.State != fasset.UnderlyingDone {
			open = append(open, cloneUnderlyingPayment(payment))
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open, nil
}

// PutUpdateSetting 插入新的参数变更，同名 waiting 记录被覆盖为 done。
func (m *MemoryStore) PutUpdateSetting(_ context.Context, setting *fasset.UpdateSetting) error {
	if setting == nil || setting.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "参数变更缺少名称")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	for _, existing := range m.updateSettings {
		if existing.VaultAddress == setting.VaultAddress &&
			existing.Name == setting.Name &&
			existing.State == fasset.UpdateSettingWaiting {
			existing.State = fasset.UpdateSettingDone
			existing.UpdatedAt = now
		}
	}
	setting.ID = m.allocID()
	setting.State = fasset.UpdateSettingWaiting
	setting.CreatedAt = now
	setting.UpdatedAt = now
	m.updateSettings[setting.ID] = cloneUpdateSetting(setting)
	return nil
}

// UpdateUpdateSetting 覆盖保存参数变更记录。
func (m *MemoryStore) UpdateUpdateSetting(_ context.Context, setting *fasset.UpdateSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.updateSettings[setting.ID]; !ok {
		return ErrNotFound
	}
	setting.UpdatedAt = time.Now().Unix()
	m.updateSettings[setting.ID] = cloneUpdateSetting(setting)
	return nil
}

// ListOpenUpdateSettings 返回等待执行的参数变更。
func (m *MemoryStore) ListOpenUpdateSettings(_ context.Context, vault string) ([]*fasset.UpdateSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	open := make([]*fasset.UpdateSetting, 0)
	for _, setting := range m.updateSettings {
		if setting.VaultAddress == vault && setting.State != fasset.UpdateSettingDone {
			open = append(open, cloneUpdateSetting(setting))
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open, nil
}

// CreateHandshake 登记握手请求。
func (m *MemoryStore) CreateHandshake(_ context.Context, handshake *fasset.Handshake) error {
	if handshake == nil || handshake.RequestID == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "握手记录缺少请求编号")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := requestKey(handshake.VaultAddress, handshake.RequestID)
	if _, ok := m.handshakes[key]; ok {
		return ErrConflict
	}
	now := time.Now().Unix()
	handshake.ID = m.allocID()
	handshake.CreatedAt = now
	handshake.UpdatedAt = now
	m.handshakes[key] = cloneHandshake(handshake)
	return nil
}

// FindOpenHandshake 返回尚未通过的握手记录。
func (m *MemoryStore) FindOpenHandshake(_ context.Context, vault string, requestID *big.Int) (*fasset.Handshake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handshake, ok := m.handshakes[requestKey(vault, requestID)]
	if !ok || handshake.State != fasset.HandshakeOpen {
		return nil, ErrNotFound
	}
	return cloneHandshake(handshake), nil
}

// RecordEvent 登记一条已分发的事件。
func (m *MemoryStore) RecordEvent(_ context.Context, event *fasset.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventKey(event.VaultAddress, event.BlockNumber, event.TxIndex, event.LogIndex)
	if _, ok := m.events[key]; ok {
		return ErrConflict
	}
	now := time.Now().Unix()
	event.ID = m.allocID()
	event.CreatedAt = now
	event.UpdatedAt = now
	clone := *event
	m.events[key] = &clone
	return nil
}

// FindEvent 返回指定位置的事件簿记。
func (m *MemoryStore) FindEvent(_ context.Context, vault string, block uint64, txIndex, logIndex uint) (*fasset.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.events[eventKey(vault, block, txIndex, logIndex)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *event
	return &clone, nil
}

// UpdateEvent 覆盖保存事件簿记。
func (m *MemoryStore) UpdateEvent(_ context.Context, event *fasset.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventKey(event.VaultAddress, event.BlockNumber, event.TxIndex, event.LogIndex)
	if _, ok := m.events[key]; !ok {
		return ErrNotFound
	}
	event.UpdatedAt = time.Now().Unix()
	clone := *event
	m.events[key] = &clone
	return nil
}

// ListUnhandledEvents 返回处理失败且还可重试的事件。
func (m *MemoryStore) ListUnhandledEvents(_ context.Context, vault string, maxRetries int) ([]*fasset.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pending := make([]*fasset.EventRecord, 0)
	for _, event := range m.events {
		if event.VaultAddress == vault && !event.Handled && event.Retries < maxRetries {
			clone := *event
			pending = append(pending, &clone)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.LogIndex < b.LogIndex
	})
	return pending, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneAgent(agent *fasset.Agent) *fasset.Agent {
	clone := *agent
	clone.VaultWithdrawal.Amount = fasset.CloneBig(agent.VaultWithdrawal.Amount)
	clone.PoolTokenRedemption.Amount = fasset.CloneBig(agent.PoolTokenRedemption.Amount)
	clone.UnderlyingWithdrawal.Amount = fasset.CloneBig(agent.UnderlyingWithdrawal.Amount)
	clone.ExitAvailable.Amount = fasset.CloneBig(agent.ExitAvailable.Amount)
	clone.Destroy.Amount = fasset.CloneBig(agent.Destroy.Amount)
	return &clone
}

func cloneMinting(minting *fasset.Minting) *fasset.Minting {
	clone := *minting
	clone.RequestID = fasset.CloneBig(minting.RequestID)
	clone.ValueUBA = fasset.CloneBig(minting.ValueUBA)
	clone.FeeUBA = fasset.CloneBig(minting.FeeUBA)
	if minting.Proof != nil {
		proof := *minting.Proof
		clone.Proof = &proof
	}
	return &clone
}

func cloneRedemption(redemption *fasset.Redemption) *fasset.Redemption {
	clone := *redemption
	clone.RequestID = fasset.CloneBig(redemption.RequestID)
	clone.ValueUBA = fasset.CloneBig(redemption.ValueUBA)
	clone.FeeUBA = fasset.CloneBig(redemption.FeeUBA)
	if redemption.Proof != nil {
		proof := *redemption.Proof
		clone.Proof = &proof
	}
	return &clone
}

func cloneUnderlyingPayment(payment *fasset.UnderlyingPayment) *fasset.UnderlyingPayment {
	clone := *payment
	clone.Amount = fasset.CloneBig(payment.Amount)
	if payment.Proof != nil {
		proof := *payment.Proof
		clone.Proof = &proof
	}
	return &clone
}

func cloneUpdateSetting(setting *fasset.UpdateSetting) *fasset.UpdateSetting {
	clone := *setting
	return &clone
}

func cloneHandshake(handshake *fasset.Handshake) *fasset.Handshake {
	clone := *handshake
	clone.RequestID = fasset.CloneBig(handshake.RequestID)
	return &clone
}

var _ Store = (*MemoryStore)(nil)
