package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"escrow-engine/internal/model"
	"escrow-engine/pkg/uid"

	"github.com/shopspring/decimal"
)

// dialect captures the SQL differences between the supported databases.
type dialect struct {
	name      string
	forUpdate string
	numbered  bool // $1 placeholders instead of ?
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlLedger implements Ledger over database/sql for every dialect.
type sqlLedger struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

var _ Ledger = (*sqlLedger)(nil)

const listingColumns = `id, seller_id, bot_id, source, asset_id, app_id, name, price, status,
	seller_trade_url, deposit_offer_id, notes, return_pending, claimed_by, claimed_at, created_at, updated_at`

const tradeColumns = `id, listing_id, buyer_id, seller_id, bot_id, asset_id, app_id, item_name,
	price, platform_fee, seller_payout, charged, refunded, paid_out, mode, status, offer_id, notes,
	buyer_trade_url, seller_trade_url, claimed_by, claimed_at, created_at, accepted_at, completed_at, updated_at`

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(row scanner) (*model.Listing, error) {
	var l model.Listing
	var returnPending, claimedAt, createdAt, updatedAt int64
	err := row.Scan(
		&l.ID, &l.SellerID, &l.BotID, &l.Source, &l.AssetID, &l.AppID, &l.Name, &l.Price, &l.Status,
		&l.SellerTradeURL, &l.DepositOfferID, &l.Notes, &returnPending, &l.ClaimedBy, &claimedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	l.ReturnPending = returnPending != 0
	l.ClaimedAt = fromMS(claimedAt)
	l.CreatedAt = fromMS(createdAt)
	l.UpdatedAt = fromMS(updatedAt)
	return &l, nil
}

func scanTrade(row scanner) (*model.Trade, error) {
	var t model.Trade
	var claimedAt, createdAt, acceptedAt, completedAt, updatedAt int64
	err := row.Scan(
		&t.ID, &t.ListingID, &t.BuyerID, &t.SellerID, &t.BotID, &t.AssetID, &t.AppID, &t.ItemName,
		&t.Price, &t.PlatformFee, &t.SellerPayout, &t.Charged, &t.Refunded, &t.PaidOut, &t.Mode, &t.Status,
		&t.OfferID, &t.Notes, &t.BuyerTradeURL, &t.SellerTradeURL, &t.ClaimedBy, &claimedAt,
		&createdAt, &acceptedAt, &completedAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.ClaimedAt = fromMS(claimedAt)
	t.CreatedAt = fromMS(createdAt)
	t.AcceptedAt = fromMS(acceptedAt)
	t.CompletedAt = fromMS(completedAt)
	t.UpdatedAt = fromMS(updatedAt)
	return &t, nil
}

// WithTx runs fn inside a transaction.
func (r *sqlLedger) WithTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlLedgerTx{q: tx, d: r.d, now: r.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *sqlLedger) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	q := r.d.rebind(`SELECT ` + tradeColumns + ` FROM trades WHERE id = ?`)
	return scanTrade(r.db.QueryRowContext(ctx, q, id))
}

func (r *sqlLedger) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	q := r.d.rebind(`SELECT ` + listingColumns + ` FROM listings WHERE id = ?`)
	return scanListing(r.db.QueryRowContext(ctx, q, id))
}

func (r *sqlLedger) FindTrades(ctx context.Context, f TradeFilter) ([]*model.Trade, error) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, string(f.Mode))
	}
	if f.ListingID != "" {
		where = append(where, "listing_id = ?")
		args = append(args, f.ListingID)
	}
	if f.BuyerID != "" {
		where = append(where, "buyer_id = ?")
		args = append(args, f.BuyerID)
	}
	if f.OfferID != "" {
		where = append(where, "offer_id = ?")
		args = append(args, f.OfferID)
	}
	if f.HasOffer != nil {
		if *f.HasOffer {
			where = append(where, "offer_id <> ''")
		} else {
			where = append(where, "offer_id = ''")
		}
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, ms(f.CreatedBefore))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, ms(f.UpdatedBefore))
	}

	q := `SELECT ` + tradeColumns + ` FROM trades` + whereClause(where) + ` ORDER BY created_at, id` + limitClause(f.Limit)
	rows, err := r.db.QueryContext(ctx, r.d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find trades: %w", err)
	}
	defer rows.Close()

	var out []*model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *sqlLedger) FindListings(ctx context.Context, f ListingFilter) ([]*model.Listing, error) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(f.Source))
	}
	if f.BotID != "" {
		where = append(where, "bot_id = ?")
		args = append(args, f.BotID)
	}
	if f.SellerID != "" {
		where = append(where, "seller_id = ?")
		args = append(args, f.SellerID)
	}
	if f.DepositOfferID != "" {
		where = append(where, "deposit_offer_id = ?")
		args = append(args, f.DepositOfferID)
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, ms(f.CreatedAfter))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, ms(f.UpdatedBefore))
	}

	q := `SELECT ` + listingColumns + ` FROM listings` + whereClause(where) + ` ORDER BY created_at, id` + limitClause(f.Limit)
	rows, err := r.db.QueryContext(ctx, r.d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find listings: %w", err)
	}
	defer rows.Close()

	var out []*model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *sqlLedger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := r.db.QueryRowContext(ctx, r.d.rebind(`SELECT amount FROM balances WHERE user_id = ?`), userID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	return amount, err
}

func (r *sqlLedger) BalanceEntries(ctx context.Context, userID string) ([]model.BalanceEntry, error) {
	q := r.d.rebind(`SELECT id, user_id, COALESCE(trade_id, ''), kind, amount, created_at
		FROM balance_entries WHERE user_id = ? ORDER BY created_at, id`)
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BalanceEntry
	for rows.Next() {
		var e model.BalanceEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.TradeID, &e.Kind, &e.Amount, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMS(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *sqlLedger) ListingsWithMultipleActiveTrades(ctx context.Context) ([]string, error) {
	args := make([]any, 0, len(model.ActiveTradeStatuses))
	for _, s := range model.ActiveTradeStatuses {
		args = append(args, string(s))
	}
	q := `SELECT listing_id FROM trades
		WHERE listing_id <> '' AND status IN (` + placeholders(len(args)) + `)
		GROUP BY listing_id HAVING COUNT(*) > 1`
	rows, err := r.db.QueryContext(ctx, r.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *sqlLedger) Stats(ctx context.Context) (*LedgerStats, error) {
	stats := &LedgerStats{Trades: map[string]int64{}, Listings: map[string]int64{}}
	for table, into := range map[string]map[string]int64{"trades": stats.Trades, "listings": stats.Listings} {
		rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return nil, err
			}
			into[status] = n
		}
		rows.Close()
	}
	return stats, nil
}

func (r *sqlLedger) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *sqlLedger) Close() error {
	return r.db.Close()
}

// sqlLedgerTx implements LedgerTx on an open transaction.
type sqlLedgerTx struct {
	q   queryer
	d   dialect
	now func() time.Time
}

func (tx *sqlLedgerTx) LockTrade(ctx context.Context, id string) (*model.Trade, error) {
	q := tx.d.rebind(`SELECT ` + tradeColumns + ` FROM trades WHERE id = ?` + tx.d.forUpdate)
	return scanTrade(tx.q.QueryRowContext(ctx, q, id))
}

func (tx *sqlLedgerTx) LockListing(ctx context.Context, id string) (*model.Listing, error) {
	q := tx.d.rebind(`SELECT ` + listingColumns + ` FROM listings WHERE id = ?` + tx.d.forUpdate)
	return scanListing(tx.q.QueryRowContext(ctx, q, id))
}

func (tx *sqlLedgerTx) InsertTrade(ctx context.Context, t *model.Trade) error {
	now := tx.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	q := tx.d.rebind(`INSERT INTO trades (` + tradeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.q.ExecContext(ctx, q,
		t.ID, t.ListingID, t.BuyerID, t.SellerID, t.BotID, t.AssetID, t.AppID, t.ItemName,
		t.Price, t.PlatformFee, t.SellerPayout, t.Charged, t.Refunded, t.PaidOut, string(t.Mode), string(t.Status),
		t.OfferID, t.Notes, t.BuyerTradeURL, t.SellerTradeURL, t.ClaimedBy, ms(t.ClaimedAt),
		ms(t.CreatedAt), ms(t.AcceptedAt), ms(t.CompletedAt), ms(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (tx *sqlLedgerTx) UpdateTrade(ctx context.Context, t *model.Trade) error {
	t.UpdatedAt = tx.now()
	q := tx.d.rebind(`UPDATE trades SET
		bot_id = ?, price = ?, platform_fee = ?, seller_payout = ?, charged = ?, refunded = ?, paid_out = ?,
		status = ?, offer_id = ?, notes = ?, buyer_trade_url = ?, seller_trade_url = ?,
		claimed_by = ?, claimed_at = ?, accepted_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`)
	res, err := tx.q.ExecContext(ctx, q,
		t.BotID, t.Price, t.PlatformFee, t.SellerPayout, t.Charged, t.Refunded, t.PaidOut,
		string(t.Status), t.OfferID, t.Notes, t.BuyerTradeURL, t.SellerTradeURL,
		t.ClaimedBy, ms(t.ClaimedAt), ms(t.AcceptedAt), ms(t.CompletedAt), ms(t.UpdatedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trade %s: %w", t.ID, err)
	}
	return expectOne(res, "trade", t.ID)
}

func (tx *sqlLedgerTx) InsertListing(ctx context.Context, l *model.Listing) error {
	now := tx.now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	q := tx.d.rebind(`INSERT INTO listings (` + listingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.q.ExecContext(ctx, q,
		l.ID, l.SellerID, l.BotID, string(l.Source), l.AssetID, l.AppID, l.Name, l.Price, string(l.Status),
		l.SellerTradeURL, l.DepositOfferID, l.Notes, flag(l.ReturnPending), l.ClaimedBy, ms(l.ClaimedAt), ms(l.CreatedAt), ms(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert listing %s: %w", l.ID, err)
	}
	return nil
}

func (tx *sqlLedgerTx) UpdateListing(ctx context.Context, l *model.Listing) error {
	l.UpdatedAt = tx.now()
	q := tx.d.rebind(`UPDATE listings SET
		bot_id = ?, price = ?, status = ?, seller_trade_url = ?, deposit_offer_id = ?, notes = ?,
		return_pending = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = ?`)
	res, err := tx.q.ExecContext(ctx, q,
		l.BotID, l.Price, string(l.Status), l.SellerTradeURL, l.DepositOfferID, l.Notes,
		flag(l.ReturnPending), l.ClaimedBy, ms(l.ClaimedAt), ms(l.UpdatedAt),
		l.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update listing %s: %w", l.ID, err)
	}
	return expectOne(res, "listing", l.ID)
}

func (tx *sqlLedgerTx) CountActiveTrades(ctx context.Context, listingID string) (int, error) {
	args := []any{listingID}
	for _, s := range model.ActiveTradeStatuses {
		args = append(args, string(s))
	}
	q := tx.d.rebind(`SELECT COUNT(*) FROM trades WHERE listing_id = ? AND status IN (` +
		placeholders(len(model.ActiveTradeStatuses)) + `)`)
	var n int
	err := tx.q.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (tx *sqlLedgerTx) AddBalanceEntry(ctx context.Context, e *model.BalanceEntry) (bool, error) {
	if e.TradeID != "" {
		var n int
		err := tx.q.QueryRowContext(ctx,
			tx.d.rebind(`SELECT COUNT(*) FROM balance_entries WHERE trade_id = ? AND kind = ?`),
			e.TradeID, string(e.Kind)).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("failed to check balance entry: %w", err)
		}
		if n > 0 {
			return false, nil
		}
	}

	now := tx.now()
	var current decimal.Decimal
	err := tx.q.QueryRowContext(ctx,
		tx.d.rebind(`SELECT amount FROM balances WHERE user_id = ?`+tx.d.forUpdate), e.UserID).Scan(&current)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists, err = false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read balance: %w", err)
	}

	next := current.Add(e.Amount)
	if next.IsNegative() {
		return false, fmt.Errorf("%w: user %s has %s, needs %s", ErrInsufficientFunds, e.UserID, current, e.Amount.Neg())
	}

	if exists {
		_, err = tx.q.ExecContext(ctx, tx.d.rebind(`UPDATE balances SET amount = ?, updated_at = ? WHERE user_id = ?`),
			next, ms(now), e.UserID)
	} else {
		_, err = tx.q.ExecContext(ctx, tx.d.rebind(`INSERT INTO balances (user_id, amount, updated_at) VALUES (?, ?, ?)`),
			e.UserID, next, ms(now))
	}
	if err != nil {
		return false, fmt.Errorf("failed to write balance: %w", err)
	}

	if e.ID == "" {
		e.ID = uid.New()
	}
	e.CreatedAt = now
	var tradeID any
	if e.TradeID != "" {
		tradeID = e.TradeID
	}
	_, err = tx.q.ExecContext(ctx,
		tx.d.rebind(`INSERT INTO balance_entries (id, user_id, trade_id, kind, amount, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.UserID, tradeID, string(e.Kind), e.Amount, ms(now))
	if err != nil {
		return false, fmt.Errorf("failed to insert balance entry: %w", err)
	}
	return true, nil
}

func (tx *sqlLedgerTx) ReplaceBotListings(ctx context.Context, botID string, appID int, listings []*model.Listing) (int, error) {
	_, err := tx.q.ExecContext(ctx, tx.d.rebind(`DELETE FROM listings
		WHERE bot_id = ? AND app_id = ? AND source = ? AND status = ?`),
		botID, appID, string(model.SourceBotInventory), string(model.ListingActive))
	if err != nil {
		return 0, fmt.Errorf("failed to clear bot listings: %w", err)
	}
	if err := tx.settleReturns(ctx, botID, appID, listings); err != nil {
		return 0, err
	}

	inserted := 0
	for _, l := range listings {
		var held int
		// A cancelled seller listing still owns its asset until it leaves the bot.
		err := tx.q.QueryRowContext(ctx, tx.d.rebind(`SELECT COUNT(*) FROM listings
			WHERE id = ? OR (bot_id = ? AND asset_id = ? AND (status <> ? OR return_pending <> 0))`),
			l.ID, botID, l.AssetID, string(model.ListingCancelled)).Scan(&held)
		if err != nil {
			return inserted, fmt.Errorf("failed to check asset %s: %w", l.AssetID, err)
		}
		if held > 0 {
			continue
		}
		if err := tx.InsertListing(ctx, l); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

// settleReturns clears the return mark of cancelled seller listings whose
// asset is no longer in the bot's inventory.
func (tx *sqlLedgerTx) settleReturns(ctx context.Context, botID string, appID int, listings []*model.Listing) error {
	present := make(map[string]bool, len(listings))
	for _, l := range listings {
		present[l.AssetID] = true
	}

	rows, err := tx.q.QueryContext(ctx, tx.d.rebind(`SELECT id, asset_id FROM listings
		WHERE bot_id = ? AND app_id = ? AND return_pending <> 0`), botID, appID)
	if err != nil {
		return fmt.Errorf("failed to find pending returns: %w", err)
	}
	var gone []string
	for rows.Next() {
		var id, assetID string
		if err := rows.Scan(&id, &assetID); err != nil {
			rows.Close()
			return err
		}
		if !present[assetID] {
			gone = append(gone, id)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}

	now := ms(tx.now())
	for _, id := range gone {
		_, err := tx.q.ExecContext(ctx, tx.d.rebind(`UPDATE listings SET return_pending = 0, updated_at = ? WHERE id = ?`), now, id)
		if err != nil {
			return fmt.Errorf("failed to settle return of %s: %w", id, err)
		}
	}
	return nil
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}
