package store

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化所有工作流记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	schemas := []struct {
		name string
		stmt string
	}{
		{"agents", `CREATE TABLE IF NOT EXISTS agents (
        vault_address VARCHAR(64) PRIMARY KEY,
        pool_address VARCHAR(64) NOT NULL DEFAULT '',
        owner_management_address VARCHAR(64) NOT NULL DEFAULT '',
        owner_work_address VARCHAR(64) NOT NULL DEFAULT '',
        underlying_address VARCHAR(128) NOT NULL DEFAULT '',
        chain_id VARCHAR(32) NOT NULL DEFAULT '',
        active TINYINT(1) NOT NULL DEFAULT 1,
        current_event_block BIGINT UNSIGNED NOT NULL DEFAULT 0,
        closing_phase VARCHAR(16) NOT NULL DEFAULT 'public',
        vault_withdrawal_allowed_at BIGINT NOT NULL DEFAULT 0,
        vault_withdrawal_amount VARCHAR(78) NOT NULL DEFAULT '0',
        pool_redemption_allowed_at BIGINT NOT NULL DEFAULT 0,
        pool_redemption_amount VARCHAR(78) NOT NULL DEFAULT '0',
        underlying_withdrawal_allowed_at BIGINT NOT NULL DEFAULT 0,
        underlying_withdrawal_amount VARCHAR(78) NOT NULL DEFAULT '0',
        exit_available_allowed_at BIGINT NOT NULL DEFAULT 0,
        exit_available_amount VARCHAR(78) NOT NULL DEFAULT '0',
        destroy_allowed_at BIGINT NOT NULL DEFAULT 0,
        destroy_amount VARCHAR(78) NOT NULL DEFAULT '0',
        daily_tasks_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_agent_active (active)
)`},
		{"mintings", `CREATE TABLE IF NOT EXISTS mintings (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        vault_address VARCHAR(64) NOT NULL,
        request_id VARCHAR(78) NOT NULL,
        state VARCHAR(32) NOT NULL,
        value_uba VARCHAR(78) NOT NULL DEFAULT '0',
        fee_uba VARCHAR(78) NOT NULL DEFAULT '0',
        first_underlying_block BIGINT UNSIGNED NOT NULL DEFAULT 0,
        last_underlying_block BIGINT UNSIGNED NOT NULL DEFAULT 0,
        last_underlying_timestamp BIGINT UNSIGNED NOT NULL DEFAULT 0,
        payment_address VARCHAR(128) NOT NULL DEFAULT '',
        payment_reference VARCHAR(66) NOT NULL DEFAULT '',
        proof_round BIGINT NOT NULL DEFAULT 0,
        proof_data TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uk_minting_request (vault_address, request_id),
        INDEX idx_minting_state (vault_address, state)
)`},
		{"redemptions", `CREATE TABLE IF NOT EXISTS redemptions (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        vault_address VARCHAR(64) NOT NULL,
        request_id VARCHAR(78) NOT NULL,
        state VARCHAR(32) NOT NULL,
        value_uba VARCHAR(78) NOT NULL DEFAULT '0',
        fee_uba VARCHAR(78) NOT NULL DEFAULT '0',
        first_underlying_block BIGINT UNSIGNED NOT NULL DEFAULT 0,
        last_underlying_block BIGINT UNSIGNED NOT NULL DEFAULT 0,
        last_underlying_timestamp BIGINT UNSIGNED NOT NULL DEFAULT 0,
        payment_address VARCHAR(128) NOT NULL DEFAULT '',
        payment_reference VARCHAR(66) NOT NULL DEFAULT '',
        tx_id VARCHAR(128) NOT NULL DEFAULT '',
        tx_hash VARCHAR(128) NOT NULL DEFAULT '',
        proof_round BIGINT NOT NULL DEFAULT 0,
        proof_data TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uk_redemption_request (vault_address, request_id),
        INDEX idx_redemption_state (vault_address, state)
)`},
		{"underlying_payments", `CREATE TABLE IF NOT EXISTS underlying_payments (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        vault_address VARCHAR(64) NOT NULL,
        kind VARCHAR(16) NOT NULL,
        state VARCHAR(32) NOT NULL,
        amount VARCHAR(78) NOT NULL DEFAULT '0',
        tx_id VARCHAR(128) NOT NULL DEFAULT '',
        tx_hash VARCHAR(128) NOT NULL DEFAULT '',
        proof_round BIGINT NOT NULL DEFAULT 0,
        proof_data TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_payment_state (vault_address, kind, state)
)`},
		{"update_settings", `CREATE TABLE IF NOT EXISTS update_settings (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        vault_address VARCHAR(64) NOT NULL,
        name VARCHAR(64) NOT NULL,
        value VARCHAR(128) NOT NULL DEFAULT '',
        valid_at BIGINT NOT NULL DEFAULT 0,
        state VARCHAR(16) NOT NULL,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_setting_state (vault_address, name, state)
)`},
		{"handshakes", `CREATE TABLE IF NOT EXISTS handshakes (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        vault_address VARCHAR(64) NOT NULL,
        request_id VARCHAR(78) NOT NULL,
        minter_address VARCHAR(64) NOT NULL DEFAULT '',
        state VARCHAR(16) NOT NULL,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uk_handshake_request (vault_address, request_id)
)`},
		{"agent_events", `CREATE TABLE IF NOT EXISTS agent_events (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        vault_address VARCHAR(64) NOT NULL,
        block_number BIGINT UNSIGNED NOT NULL,
        tx_index INT UNSIGNED NOT NULL,
        log_index INT UNSIGNED NOT NULL,
        handled TINYINT(1) NOT NULL DEFAULT 0,
        retries INT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uk_event_position (vault_address, block_number, tx_index, log_index),
        INDEX idx_event_pending (vault_address, handled)
)`},
	}

	for _, schema := range schemas {
		if _, err := s.db.Exec(schema.stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 "+schema.name+" 表失败")
		}
	}
	if _, err := s.db.Exec(`ALTER TABLE agents ADD COLUMN daily_tasks_at BIGINT NOT NULL DEFAULT 0 AFTER destroy_amount`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 agents.daily_tasks_at 失败")
		}
	}
	return nil
}

func bigToString(v *big.Int) string {
	return fasset.BigOrZero(v).String()
}

func bigFromString(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "非法的大整数字段: "+raw)
	}
	return v, nil
}

func proofColumns(proof *fasset.ProofRequest) (int64, string) {
	if proof == nil {
		return 0, ""
	}
	return proof.Round, proof.Data
}

func proofFromColumns(round int64, data sql.NullString) *fasset.ProofRequest {
	if !data.Valid || data.String == "" {
		return nil
	}
	return &fasset.ProofRequest{Round: round, Data: data.String}
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// CreateAgent 登记一个新的代理。
func (s *MySQLStore) CreateAgent(ctx context.Context, agent *fasset.Agent) error {
	if agent == nil || strings.TrimSpace(agent.VaultAddress) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理金库地址不能为空")
	}

	now := time.Now().Unix()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	const stmt = `INSERT INTO agents
        (vault_address, pool_address, owner_management_address, owner_work_address, underlying_address, chain_id,
        active, current_event_block, closing_phase,
        vault_withdrawal_allowed_at, vault_withdrawal_amount,
        pool_redemption_allowed_at, pool_redemption_amount,
        underlying_withdrawal_allowed_at, underlying_withdrawal_amount,
        exit_available_allowed_at, exit_available_amount,
        destroy_allowed_at, destroy_amount,
        daily_tasks_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		agent.VaultAddress,
		agent.PoolAddress,
		agent.OwnerManagementAddress,
		agent.OwnerWorkAddress,
		agent.UnderlyingAddress,
		agent.ChainID,
		agent.Active,
		agent.CurrentEventBlock,
		string(agent.ClosingPhase),
		agent.VaultWithdrawal.AllowedAt, bigToString(agent.VaultWithdrawal.Amount),
		agent.PoolTokenRedemption.AllowedAt, bigToString(agent.PoolTokenRedemption.Amount),
		agent.UnderlyingWithdrawal.AllowedAt, bigToString(agent.UnderlyingWithdrawal.Amount),
		agent.ExitAvailable.AllowedAt, bigToString(agent.ExitAvailable.Amount),
		agent.Destroy.AllowedAt, bigToString(agent.Destroy.Amount),
		agent.DailyTasksAt,
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入代理失败")
	}
	return nil
}

const agentColumns = `vault_address, pool_address, owner_management_address, owner_work_address, underlying_address, chain_id,
        active, current_event_block, closing_phase,
        vault_withdrawal_allowed_at, vault_withdrawal_amount,
        pool_redemption_allowed_at, pool_redemption_amount,
        underlying_withdrawal_allowed_at, underlying_withdrawal_amount,
        exit_available_allowed_at, exit_available_amount,
        destroy_allowed_at, destroy_amount,
        daily_tasks_at, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*fasset.Agent, error) {
	var agent fasset.Agent
	var closingPhase string
	var vaultAmount, poolAmount, underlyingAmount, exitAmount, destroyAmount string

	if err := row.Scan(
		&agent.VaultAddress,
		&agent.PoolAddress,
		&agent.OwnerManagementAddress,
		&agent.OwnerWorkAddress,
		&agent.UnderlyingAddress,
		&agent.ChainID,
		&agent.Active,
		&agent.CurrentEventBlock,
		&closingPhase,
		&agent.VaultWithdrawal.AllowedAt, &vaultAmount,
		&agent.PoolTokenRedemption.AllowedAt, &poolAmount,
		&agent.UnderlyingWithdrawal.AllowedAt, &underlyingAmount,
		&agent.ExitAvailable.AllowedAt, &exitAmount,
		&agent.Destroy.AllowedAt, &destroyAmount,
		&agent.DailyTasksAt,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	agent.ClosingPhase = fasset.ClosingPhase(closingPhase)

	var err error
	if agent.VaultWithdrawal.Amount, err = bigFromString(vaultAmount); err != nil {
		return nil, err
	}
	if agent.PoolTokenRedemption.Amount, err = bigFromString(poolAmount); err != nil {
		return nil, err
	}
	if agent.UnderlyingWithdrawal.Amount, err = bigFromString(underlyingAmount); err != nil {
		return nil, err
	}
	if agent.ExitAvailable.Amount, err = bigFromString(exitAmount); err != nil {
		return nil, err
	}
	if agent.Destroy.Amount, err = bigFromString(destroyAmount); err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetAgent 返回指定代理。
func (s *MySQLStore) GetAgent(ctx context.Context, vault string) (*fasset.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE vault_address = ?`, vault)
	agent, err := scanAgent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询代理失败")
	}
	return agent, nil
}

// UpdateAgent 覆盖保存代理。
func (s *MySQLStore) UpdateAgent(ctx context.Context, agent *fasset.Agent) error {
	const stmt = `UPDATE agents SET pool_address = ?, owner_management_address = ?, owner_work_address = ?,
        underlying_address = ?, chain_id = ?, active = ?, current_event_block = ?, closing_phase = ?,
        vault_withdrawal_allowed_at = ?, vault_withdrawal_amount = ?,
        pool_redemption_allowed_at = ?, pool_redemption_amount = ?,
        underlying_withdrawal_allowed_at = ?, underlying_withdrawal_amount = ?,
        exit_available_allowed_at = ?, exit_available_amount = ?,
        destroy_allowed_at = ?, destroy_amount = ?,
        daily_tasks_at = ?, updated_at = ? WHERE vault_address = ?`

	agent.UpdatedAt = time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		agent.PoolAddress,
		agent.OwnerManagementAddress,
		agent.OwnerWorkAddress,
		agent.UnderlyingAddress,
		agent.ChainID,
		agent.Active,
		agent.CurrentEventBlock,
		string(agent.ClosingPhase),
		agent.VaultWithdrawal.AllowedAt, bigToString(agent.VaultWithdrawal.Amount),
		agent.PoolTokenRedemption.AllowedAt, bigToString(agent.PoolTokenRedemption.Amount),
		agent.UnderlyingWithdrawal.AllowedAt, bigToString(agent.UnderlyingWithdrawal.Amount),
		agent.ExitAvailable.AllowedAt, bigToString(agent.ExitAvailable.Amount),
		agent.Destroy.AllowedAt, bigToString(agent.Destroy.Amount),
		agent.DailyTasksAt,
		agent.UpdatedAt,
		agent.VaultAddress,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新代理失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.GetAgent(ctx, agent.VaultAddress); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListActiveAgents 返回所有活跃代理。
func (s *MySQLStore) ListActiveAgents(ctx context.Context) ([]*fasset.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE active = 1 ORDER BY vault_address`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询代理列表失败")
	}
	defer rows.Close()

	agents := make([]*fasset.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析代理记录失败")
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历代理失败")
	}
	return agents, nil
}

const mintingColumns = `id, vault_address, request_id, state, value_uba, fee_uba,
        first_underlying_block, last_underlying_block, last_underlying_timestamp,
        payment_address, payment_reference, proof_round, proof_data, created_at, updated_at`

func scanMinting(row interface{ Scan(...any) error }) (*fasset.Minting, error) {
	var minting fasset.Minting
	var state, requestID, valueUBA, feeUBA string
	var proofRound int64
	var proofData sql.NullString

	if err := row.Scan(
		&minting.ID,
		&minting.VaultAddress,
		&requestID,
		&state,
		&valueUBA,
		&feeUBA,
		&minting.FirstUnderlyingBlock,
		&minting.LastUnderlyingBlock,
		&minting.LastUnderlyingTimestamp,
		&minting.PaymentAddress,
		&minting.PaymentReference,
		&proofRound,
		&proofData,
		&minting.CreatedAt,
		&minting.UpdatedAt,
	); err != nil {
		return nil, err
	}
	minting.State = fasset.MintingState(state)
	minting.Proof = proofFromColumns(proofRound, proofData)

	var err error
	if minting.RequestID, err = bigFromString(requestID); err != nil {
		return nil, err
	}
	if minting.ValueUBA, err = bigFromString(valueUBA); err != nil {
		return nil, err
	}
	if minting.FeeUBA, err = bigFromString(feeUBA); err != nil {
		return nil, err
	}
	return &minting, nil
}

// CreateMinting 创建铸币记录，并在同一事务内把对应握手标记为已通过。
func (s *MySQLStore) CreateMinting(ctx context.Context, minting *fasset.Minting) error {
	if minting == nil || minting.RequestID == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "铸币记录缺少预约编号")
	}

	now := time.Now().Unix()
	minting.CreatedAt = now
	minting.UpdatedAt = now
	proofRound, proofData := proofColumns(minting.Proof)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `INSERT INTO mintings
        (vault_address, request_id, state, value_uba, fee_uba,
        first_underlying_block, last_underlying_block, last_underlying_timestamp,
        payment_address, payment_reference, proof_round, proof_data, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := tx.ExecContext(ctx, stmt,
		minting.VaultAddress,
		minting.RequestID.String(),
		string(minting.State),
		bigToString(minting.ValueUBA),
		bigToString(minting.FeeUBA),
		minting.FirstUnderlyingBlock,
		minting.LastUnderlyingBlock,
		minting.LastUnderlyingTimestamp,
		minting.PaymentAddress,
		minting.PaymentReference,
		proofRound,
		proofData,
		minting.CreatedAt,
		minting.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入铸币记录失败")
	}
	if minting.ID, err = res.LastInsertId(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取铸币记录编号失败")
	}

	const approveStmt = `UPDATE handshakes SET state = ?, updated_at = ?
        WHERE vault_address = ? AND request_id = ? AND state = ?`
	if _, err := tx.ExecContext(ctx, approveStmt,
		string(fasset.HandshakeApproved),
		now,
		minting.VaultAddress,
		minting.RequestID.String(),
		string(fasset.HandshakeOpen),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新握手状态失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交铸币事务失败")
	}
	return nil
}

// GetMinting 返回指定铸币记录。
func (s *MySQLStore) GetMinting(ctx context.Context, vault string, requestID *big.Int) (*fasset.Minting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mintingColumns+` FROM mintings WHERE vault_address = ? AND request_id = ?`,
		vault, fasset.BigOrZero(requestID).String())
	minting, err := scanMinting(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询铸币记录失败")
	}
	return minting, nil
}

// UpdateMinting 覆盖保存铸币记录。
func (s *MySQLStore) UpdateMinting(ctx context.Context, minting *fasset.Minting) error {
	const stmt = `UPDATE mintings SET state = ?, value_uba = ?, fee_uba = ?,
        first_underlying_block = ?, last_underlying_block = ?, last_underlying_timestamp = ?,
        payment_address = ?, payment_reference = ?, proof_round = ?, proof_data = ?, updated_at = ? WHERE id = ?`

	minting.UpdatedAt = time.Now().Unix()
	proofRound, proofData := proofColumns(minting.Proof)
	res, err := s.db.ExecContext(ctx, stmt,
		string(minting.State),
		bigToString(minting.ValueUBA),
		bigToString(minting.FeeUBA),
		minting.FirstUnderlyingBlock,
		minting.LastUnderlyingBlock,
		minting.LastUnderlyingTimestamp,
		minting.PaymentAddress,
		minting.PaymentReference,
		proofRound,
		proofData,
		minting.UpdatedAt,
		minting.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新铸币记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.GetMinting(ctx, minting.VaultAddress, minting.RequestID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListOpenMintings 返回未完成的铸币记录。
func (s *MySQLStore) ListOpenMintings(ctx context.Context, vault string) ([]*fasset.Minting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mintingColumns+` FROM mintings WHERE vault_address = ? AND state <> ? ORDER BY id`,
		vault, string(fasset.MintingDone))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询铸币列表失败")
	}
	defer rows.Close()

	open := make([]*fasset.Minting, 0)
	for rows.Next() {
		minting, err := scanMinting(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析铸币记录失败")
		}
		open = append(open, minting)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历铸币记录失败")
	}
	return open, nil
}

const redemptionColumns = `id, vault_address, request_id, state, value_uba, fee_uba,
        first_underlying_block, last_underlying_block, last_underlying_timestamp,
        payment_address, payment_reference, tx_id, tx_hash, proof_round, proof_data, created_at, updated_at`

func scanRedemption(row interface{ Scan(...any) error }) (*fasset.Redemption, error) {
	var redemption fasset.Redemption
	var state, requestID, valueUBA, feeUBA string
	var proofRound int64
	var proofData sql.NullString

	if err := row.Scan(
		&redemption.ID,
		&redemption.VaultAddress,
		&requestID,
		&state,
		&valueUBA,
		&feeUBA,
		&redemption.FirstUnderlyingBlock,
		&redemption.LastUnderlyingBlock,
		&redemption.LastUnderlyingTimestamp,
		&redemption.PaymentAddress,
		&redemption.PaymentReference,
		&redemption.TxID,
		&redemption.TxHash,
		&proofRound,
		&proofData,
		&redemption.CreatedAt,
		&redemption.UpdatedAt,
	); err != nil {
		return nil, err
	}
	redemption.State = fasset.RedemptionState(state)
	redemption.Proof = proofFromColumns(proofRound, proofData)

	var err error
	if redemption.RequestID, err = bigFromString(requestID); err != nil {
		return nil, err
	}
	if redemption.ValueUBA, err = bigFromString(valueUBA); err != nil {
		return nil, err
	}
	if redemption.FeeUBA, err = bigFromString(feeUBA); err != nil {
		return nil, err
	}
	return &redemption, nil
}

// CreateRedemption 创建赎回记录。
func (s *MySQLStore) CreateRedemption(ctx context.Context, redemption *fasset.Redemption) error {
	if redemption == nil || redemption.RequestID == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "赎回记录缺少请求编号")
	}

	now := time.Now().Unix()
	redemption.CreatedAt = now
	redemption.UpdatedAt = now
	proofRound, proofData := proofColumns(redemption.Proof)

	const stmt = `INSERT INTO redemptions
        (vault_address, request_id, state, value_uba, fee_uba,
        first_underlying_block, last_underlying_block, last_underlying_timestamp,
        payment_address, payment_reference, tx_id, tx_hash, proof_round, proof_data, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		redemption.VaultAddress,
		redemption.RequestID.String(),
		string(redemption.State),
		bigToString(redemption.ValueUBA),
		bigToString(redemption.FeeUBA),
		redemption.FirstUnderlyingBlock,
		redemption.LastUnderlyingBlock,
		redemption.LastUnderlyingTimestamp,
		redemption.PaymentAddress,
		redemption.PaymentReference,
		redemption.TxID,
		redemption.TxHash,
		proofRound,
		proofData,
		redemption.CreatedAt,
		redemption.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入赎回记录失败")
	}
	if redemption.ID, err = res.LastInsertId(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取赎回记录编号失败")
	}
	return nil
}

// GetRedemption 返回指定赎回记录。
func (s *MySQLStore) GetRedemption(ctx context.Context, vault string, requestID *big.Int) (*fasset.Redemption, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+redemptionColumns+` FROM redemptions WHERE vault_address = ? AND request_id = ?`,
		vault, fasset.BigOrZero(requestID).String())
	redemption, err := scanRedemption(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询赎回记录失败")
	}
	return redemption, nil
}

// UpdateRedemption 覆盖保存赎回记录。
func (s *MySQLStore) UpdateRedemption(ctx context.Context, redemption *fasset.Redemption) error {
	const stmt = `UPDATE redemptions SET state = ?, value_uba = ?, fee_uba = ?,
        first_underlying_block = ?, last_underlying_block = ?, last_underlying_timestamp = ?,
        payment_address = ?, payment_reference = ?, tx_id = ?, tx_hash = ?,
        proof_round = ?, proof_data = ?, updated_at = ? WHERE id = ?`

	redemption.UpdatedAt = time.Now().Unix()
	proofRound, proofData := proofColumns(redemption.Proof)
	res, err := s.db.ExecContext(ctx, stmt,
		string(redemption.State),
		bigToString(redemption.ValueUBA),
		bigToString(redemption.FeeUBA),
		redemption.FirstUnderlyingBlock,
		redemption.LastUnderlyingBlock,
		redemption.LastUnderlyingTimestamp,
		redemption.PaymentAddress,
		redemption.PaymentReference,
		redemption.TxID,
		redemption.TxHash,
		proofRound,
		proofData,
		redemption.UpdatedAt,
		redemption.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新赎回记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.GetRedemption(ctx, redemption.VaultAddress, redemption.RequestID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListOpenRedemptions 返回未完成的赎回记录。
func (s *MySQLStore) ListOpenRedemptions(ctx context.Context, vault string) ([]*fasset.Redemption, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+redemptionColumns+` FROM redemptions WHERE vault_address = ? AND state <> ? ORDER BY id`,
		vault, string(fasset.RedemptionDone))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询赎回列表失败")
	}
	defer rows.Close()

	open := make([]*fasset.Redemption, 0)
	for rows.Next() {
		redemption, err := scanRedemption(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析赎回记录失败")
		}
		open = append(open, redemption)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历赎回记录失败")
	}
	return open, nil
}

const paymentColumns = `id, vault_address, kind, state, amount, tx_id, tx_hash, proof_round, proof_data, created_at, updated_at`

func scanUnderlyingPayment(row interface{ Scan(...any) error }) (*fasset.UnderlyingPayment, error) {
	var payment fasset.UnderlyingPayment
	var kind, state, amount string
	var proofRound int64
	var proofData sql.NullString

	if err := row.Scan(
		&payment.ID,
		&payment.VaultAddress,
		&kind,
		&state,
		&amount,
		&payment.TxID,
		&payment.TxHash,
		&proofRound,
		&proofData,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	); err != nil {
		return nil, err
	}
	payment.Kind = fasset.UnderlyingPaymentKind(kind)
	payment.State = fasset.UnderlyingPaymentState(state)
	payment.Proof = proofFromColumns(proofRound, proofData)

	var err error
	if payment.Amount, err = bigFromString(amount); err != nil {
		return nil, err
	}
	return &payment, nil
}

// CreateUnderlyingPayment 创建底层链转账记录。
// 同一代理同一类型已有未完成记录时返回 ErrPaymentInFlight。
func (s *MySQLStore) CreateUnderlyingPayment(ctx context.Context, payment *fasset.UnderlyingPayment) error {
	if payment == nil || strings.TrimSpace(payment.VaultAddress) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账记录缺少金库地址")
	}

	now := time.Now().Unix()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	proofRound, proofData := proofColumns(payment.Proof)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	var open int
	const countStmt = `SELECT COUNT(*) FROM underlying_payments
        WHERE vault_address = ? AND kind = ? AND state <> ? FOR UPDATE`
	if err := tx.QueryRowContext(ctx, countStmt,
		payment.VaultAddress, string(payment.Kind), string(fasset.UnderlyingDone),
	).Scan(&open); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "检查未完成转账失败")
	}
	if open > 0 {
		return fasset.ErrPaymentInFlight
	}

	const stmt = `INSERT INTO underlying_payments
        (vault_address, kind, state, amount, tx_id, tx_hash, proof_round, proof_data, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, stmt,
		payment.VaultAddress,
		string(payment.Kind),
		string(payment.State),
		bigToString(payment.Amount),
		payment.TxID,
		payment.TxHash,
		proofRound,
		proofData,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入转账记录失败")
	}
	if payment.ID, err = res.LastInsertId(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取转账记录编号失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交转账事务失败")
	}
	return nil
}

// UpdateUnderlyingPayment 覆盖保存底层链转账记录。
func (s *MySQLStore) UpdateUnderlyingPayment(ctx context.Context, payment *fasset.UnderlyingPayment) error {
	const stmt = `UPDATE underlying_payments SET state = ?, amount = ?, tx_id = ?, tx_hash = ?,
        proof_round = ?, proof_data = ?, updated_at = ? WHERE id = ?`

	payment.UpdatedAt = time.Now().Unix()
	proofRound, proofData := proofColumns(payment.Proof)
	res, err := s.db.ExecContext(ctx, stmt,
		string(payment.State),
		bigToString(payment.Amount),
		payment.TxID,
		payment.TxHash,
		proofRound,
		proofData,
		payment.UpdatedAt,
		payment.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新转账记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOpenUnderlyingPayments 返回未完成的底层链转账记录。
func (s *MySQLStore) ListOpenUnderlyingPayments(ctx context.Context, vault string) ([]*fasset.UnderlyingPayment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM underlying_payments WHERE vault_address = ? AND state <> ? ORDER BY id`,
		vault, string(fasset.UnderlyingDone))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询转账列表失败")
	}
	defer rows.Close()

	open := make([]*fasset.UnderlyingPayment, 0)
	for rows.Next() {
		payment, err := scanUnderlyingPayment(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析转账记录失败")
		}
		open = append(open, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历转账记录失败")
	}
	return open, nil
}

// PutUpdateSetting 在同一事务内把同名 waiting 记录覆盖为 done 再插入新记录。
func (s *MySQLStore) PutUpdateSetting(ctx context.Context, setting *fasset.UpdateSetting) error {
	if setting == nil || strings.TrimSpace(setting.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "参数变更缺少名称")
	}

	now := time.Now().Unix()
	setting.State = fasset.UpdateSettingWaiting
	setting.CreatedAt = now
	setting.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const supersedeStmt = `UPDATE update_settings SET state = ?, updated_at = ?
        WHERE vault_address = ? AND name = ? AND state = ?`
	if _, err := tx.ExecContext(ctx, supersedeStmt,
		string(fasset.UpdateSettingDone),
		now,
		setting.VaultAddress,
		setting.Name,
		string(fasset.UpdateSettingWaiting),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "覆盖旧参数变更失败")
	}

	const stmt = `INSERT INTO update_settings
        (vault_address, name, value, valid_at, state, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, stmt,
		setting.VaultAddress,
		setting.Name,
		setting.Value,
		setting.ValidAt,
		string(setting.State),
		setting.CreatedAt,
		setting.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入参数变更失败")
	}
	if setting.ID, err = res.LastInsertId(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取参数变更编号失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交参数变更事务失败")
	}
	return nil
}

// UpdateUpdateSetting 覆盖保存参数变更记录。
func (s *MySQLStore) UpdateUpdateSetting(ctx context.Context, setting *fasset.UpdateSetting) error {
	const stmt = `UPDATE update_settings SET value = ?, valid_at = ?, state = ?, updated_at = ? WHERE id = ?`

	setting.UpdatedAt = time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		setting.Value,
		setting.ValidAt,
		string(setting.State),
		setting.UpdatedAt,
		setting.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新参数变更失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOpenUpdateSettings 返回等待执行的参数变更。
func (s *MySQLStore) ListOpenUpdateSettings(ctx context.Context, vault string) ([]*fasset.UpdateSetting, error) {
	const stmt = `SELECT id, vault_address, name, value, valid_at, state, created_at, updated_at
        FROM update_settings WHERE vault_address = ? AND state <> ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, stmt, vault, string(fasset.UpdateSettingDone))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询参数变更列表失败")
	}
	defer rows.Close()

	open := make([]*fasset.UpdateSetting, 0)
	for rows.Next() {
		var setting fasset.UpdateSetting
		var state string
		if err := rows.Scan(
			&setting.ID,
			&setting.VaultAddress,
			&setting.Name,
			&setting.Value,
			&setting.ValidAt,
			&state,
			&setting.CreatedAt,
			&setting.UpdatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析参数变更失败")
		}
		setting.State = fasset.UpdateSettingState(state)
		settingCopy := setting
		open = append(open, &settingCopy)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历参数变更失败")
	}
	return open, nil
}

// CreateHandshake 登记握手请求。
func (s *MySQLStore) CreateHandshake(ctx context.Context, handshake *fasset.Handshake) error {
	if handshake == nil || handshake.RequestID == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "握手记录缺少请求编号")
	}

	now := time.Now().Unix()
	handshake.CreatedAt = now
	handshake.UpdatedAt = now

	const stmt = `INSERT INTO handshakes
        (vault_address, request_id, minter_address, state, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt,
		handshake.VaultAddress,
		handshake.RequestID.String(),
		handshake.MinterAddress,
		string(handshake.State),
		handshake.CreatedAt,
		handshake.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入握手记录失败")
	}
	if handshake.ID, err = res.LastInsertId(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取握手记录编号失败")
	}
	return nil
}

// FindOpenHandshake 返回尚未通过的握手记录。
func (s *MySQLStore) FindOpenHandshake(ctx context.Context, vault string, requestID *big.Int) (*fasset.Handshake, error) {
	const stmt = `SELECT id, vault_address, request_id, minter_address, state, created_at, updated_at
        FROM handshakes WHERE vault_address = ? AND request_id = ? AND state = ?`
	row := s.db.QueryRowContext(ctx, stmt,
		vault, fasset.BigOrZero(requestID).String(), string(fasset.HandshakeOpen))

	var handshake fasset.Handshake
	var requestIDRaw, state string
	if err := row.Scan(
		&handshake.ID,
		&handshake.VaultAddress,
		&requestIDRaw,
		&handshake.MinterAddress,
		&state,
		&handshake.CreatedAt,
		&handshake.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询握手记录失败")
	}
	handshake.State = fasset.HandshakeState(state)

	var err error
	if handshake.RequestID, err = bigFromString(requestIDRaw); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析握手请求编号失败")
	}
	return &handshake, nil
}

// RecordEvent 登记一条已分发的事件。
func (s *MySQLStore) RecordEvent(ctx context.Context, event *fasset.EventRecord) error {
	now := time.Now().Unix()
	event.CreatedAt = now
	event.UpdatedAt = now

	const stmt = `INSERT INTO agent_events
        (vault_address, block_number, tx_index, log_index, handled, retries, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt,
		event.VaultAddress,
		event.BlockNumber,
		event.TxIndex,
		event.LogIndex,
		event.Handled,
		event.Retries,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入事件簿记失败")
	}
	if event.ID, err = res.LastInsertId(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取事件簿记编号失败")
	}
	return nil
}

// FindEvent 返回指定位置的事件簿记。
func (s *MySQLStore) FindEvent(ctx context.Context, vault string, block uint64, txIndex, logIndex uint) (*fasset.EventRecord, error) {
	const stmt = `SELECT id, vault_address, block_number, tx_index, log_index, handled, retries, created_at, updated_at
        FROM agent_events WHERE vault_address = ? AND block_number = ? AND tx_index = ? AND log_index = ?`
	row := s.db.QueryRowContext(ctx, stmt, vault, block, txIndex, logIndex)

	var event fasset.EventRecord
	if err := row.Scan(
		&event.ID,
		&event.VaultAddress,
		&event.BlockNumber,
		&event.TxIndex,
		&event.LogIndex,
		&event.Handled,
		&event.Retries,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件簿记失败")
	}
	return &event, nil
}

// UpdateEvent 覆盖保存事件簿记。
func (s *MySQLStore) UpdateEvent(ctx context.Context, event *fasset.EventRecord) error {
	const stmt = `UPDATE agent_events SET handled = ?, retries = ?, updated_at = ? WHERE id = ?`

	event.UpdatedAt = time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		event.Handled,
		event.Retries,
		event.UpdatedAt,
		event.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新事件簿记失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.FindEvent(ctx, event.VaultAddress, event.BlockNumber, event.TxIndex, event.LogIndex); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListUnhandledEvents 返回处理失败且还可重试的事件。
func (s *MySQLStore) ListUnhandledEvents(ctx context.Context, vault string, maxRetries int) ([]*fasset.EventRecord, error) {
	const stmt = `SELECT id, vault_address, block_number, tx_index, log_index, handled, retries, created_at, updated_at
        FROM agent_events WHERE vault_address = ? AND handled = 0 AND retries < ?
        ORDER BY block_number, tx_index, log_index`
	rows, err := s.db.QueryContext(ctx, stmt, vault, maxRetries)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待重试事件失败")
	}
	defer rows.Close()

	pending := make([]*fasset.EventRecord, 0)
	for rows.Next() {
		var event fasset.EventRecord
		if err := rows.Scan(
			&event.ID,
			&event.VaultAddress,
			&event.BlockNumber,
			&event.TxIndex,
			&event.LogIndex,
			&event.Handled,
			&event.Retries,
			&event.CreatedAt,
			&event.UpdatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件簿记失败")
		}
		eventCopy := event
		pending = append(pending, &eventCopy)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件簿记失败")
	}
	return pending, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
