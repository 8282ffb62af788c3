package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const ercAddr = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"

func depositReq(userID, amount, hash string) DepositRequest {
	return DepositRequest{
		UserID:   userID,
		Amount:   dec(amount),
		Network:  "trc20",
		TxHash:   hash,
		ProofURL: "https://cdn.example.com/proof.png",
	}
}

func TestApprovalWorkflow_DepositApproved(t *testing.T) {
	f := newFixture(t)
	f.open(t, "u1")
	ctx := context.Background()

	tx, err := f.workflow.RequestDeposit(ctx, depositReq("u1", "100", "hash-1"))
	require.NoError(t, err)
	assert.Equal(t, models.ReviewPending, tx.ReviewState())
	assert.Equal(t, "TRC20", tx.Detail(models.DetailNetwork))
	assert.Equal(t, "hash-1", tx.Detail(models.DetailExternalTxID))
	assert.True(t, f.account(t, "u1").AvailableBalance().IsZero())

	done, err := f.workflow.ApproveDeposit(ctx, tx.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewApproved, done.ReviewState())

	acc := f.account(t, "u1")
	assert.True(t, acc.PlayableBalance.Equal(dec("100")))
	assert.True(t, acc.TotalDeposited.Equal(dec("100")))
	assert.True(t, acc.HasDeposited)

	// retried admin action
	_, err = f.workflow.ApproveDeposit(ctx, tx.ID, "admin-1")
	require.NoError(t, err)
	assert.True(t, f.account(t, "u1").PlayableBalance.Equal(dec("100")))
	assert.Equal(t, 1, f.decisions())
}

func TestApprovalWorkflow_RequestDeposit(t *testing.T) {
	ctx := context.Background()

	t.Run("uploads the proof file", func(t *testing.T) {
		f := newFixture(t)
		f.open(t, "u1")
		f.uploader.On("Upload", "u1", "receipt.png").Return("https://cdn/deposit-proofs/u1/x.png", nil).Once()

		req := depositReq("u1", "20", "h")
		req.ProofURL = ""
		req.Proof = strings.NewReader("png bytes")
		req.ProofName = "receipt.png"

		tx, err := f.workflow.RequestDeposit(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/deposit-proofs/u1/x.png", tx.Detail(models.DetailProofURL))
		f.uploader.AssertExpectations(t)
	})

	t.Run("same network and hash is one request", func(t *testing.T) {
		f := newFixture(t)
		f.open(t, "u1")

		a, err := f.workflow.RequestDeposit(ctx, depositReq("u1", "20", "h"))
		require.NoError(t, err)
		b, err := f.workflow.RequestDeposit(ctx, depositReq("u1", "20", "h"))
		require.NoError(t, err)
		assert.Equal(t, a.ID, b.ID)
	})

	t.Run("upload failure creates nothing", func(t *testing.T) {
		f := newFixture(t)
		f.open(t, "u1")
		f.uploader.On("Upload", "u1", mock.Anything).Return("", errors.New("r2 down"))

		req := depositReq("u1", "20", "h")
		req.ProofURL = ""
		req.Proof = strings.NewReader("x")
		_, err := f.workflow.RequestDeposit(ctx, req)
		assert.Error(t, err)

		page, err := f.txlog.ListByUser(ctx, "u1", models.TransactionFilter{})
		require.NoError(t, err)
		assert.Empty(t, page.Transactions)
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t)
		f.open(t, "u1")

		below := depositReq("u1", "0.5", "h")
		noHash := depositReq("u1", "5", " ")
		badNetwork := depositReq("u1", "5", "h")
		badNetwork.Network = "DOGE"
		noProof := depositReq("u1", "5", "h")
		noProof.ProofURL = ""
		tooPrecise := depositReq("u1", "5.123456789", "h")

		for _, req := range []DepositRequest{below, noHash, badNetwork, noProof, tooPrecise} {
			_, err := f.workflow.RequestDeposit(ctx, req)
			assert.ErrorIs(t, err, models.ErrValidation)
		}
	})

	t.Run("suspended account", func(t *testing.T) {
		f := newFixture(t)
		f.open(t, "u1")
		_, err := f.accounts.SetStatus(ctx, "u1", models.AccountStatusSuspended, "admin")
		require.NoError(t, err)

		_, err = f.workflow.RequestDeposit(ctx, depositReq("u1", "5", "h"))
		assert.ErrorIs(t, err, models.ErrAccountNotActive)
	})

	t.Run("rate limited", func(t *testing.T) {
		f := newFixture(t)
		f.open(t, "u1")
		rdb, rmock := redismock.NewClientMock()
		rmock.ExpectIncr("ratelimit:deposit:u1").SetVal(11)
		f.workflow.limiter = NewRateLimiter(rdb, 10, time.Hour)

		_, err := f.workflow.RequestDeposit(ctx, depositReq("u1", "5", "h"))
		assert.ErrorIs(t, err, models.ErrRateLimited)
	})
}

func TestApprovalWorkflow_DepositHashClaimedOnce(t *testing.T) {
	f := newFixture(t)
	f.open(t, "u1")
	f.open(t, "u2")
	f.open(t, "u3")
	ctx := context.Background()

	first, err := f.workflow.RequestDeposit(ctx, depositReq("u1", "50", "shared"))
	require.NoError(t, err)

	_, err = f.workflow.RequestDeposit(ctx, depositReq("u2", "50", "shared"))
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	// a rejected claim frees the hash
	_, err = f.workflow.RejectDeposit(ctx, first.ID, "admin-1", "wrong account")
	require.NoError(t, err)
	second, err := f.workflow.RequestDeposit(ctx, depositReq("u2", "50", "shared"))
	require.NoError(t, err)

	// a claim that slipped in concurrently cannot be approved as well
	racing, err := f.txlog.Create(ctx, &models.Transaction{
		UserID:    "u3",
		Type:      models.TxDeposit,
		Amount:    dec("50"),
		Reference: "TRC20:shared",
		TxHash:    "shared",
		Details:   models.Metadata{models.DetailProofURL: "https://cdn.example.com/p.png"},
	})
	require.NoError(t, err)
	_, err = f.workflow.ApproveDeposit(ctx, second.ID, "admin-1")
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	_, err = f.workflow.RejectDeposit(ctx, racing.ID, "admin-1", "duplicate")
	require.NoError(t, err)
	_, err = f.workflow.ApproveDeposit(ctx, second.ID, "admin-1")
	require.NoError(t, err)
	assert.True(t, f.account(t, "u2").PlayableBalance.Equal(dec("50")))
	assert.True(t, f.account(t, "u3").PlayableBalance.IsZero())
}

func TestApprovalWorkflow_DepositRejected(t *testing.T) {
	f := newFixture(t)
	f.open(t, "u1")
	ctx := context.Background()

	tx, err := f.workflow.RequestDeposit(ctx, depositReq("u1", "30", "h"))
	require.NoError(t, err)

	_, err = f.workflow.RejectDeposit(ctx, tx.ID, "admin-1", " ")
	assert.ErrorIs(t, err, models.ErrValidation)

	for i := 0; i < 3; i++ {
		out, err := f.workflow.RejectDeposit(ctx, tx.ID, "admin-1", "proof does not match")
		require.NoError(t, err)
		assert.Equal(t, models.ReviewRejected, out.ReviewState())
		assert.Equal(t, "proof does not match", out.Reason)
	}

	assert.True(t, f.account(t, "u1").AvailableBalance().IsZero())
	assert.Equal(t, 1, f.decisions())

	_, err = f.workflow.ApproveDeposit(ctx, tx.ID, "admin-1")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestApprovalWorkflow_TypeMismatch(t *testing.T) {
	f := newFixture(t)
	f.open(t, "u1")
	f.seed(t, "u1", "100")
	ctx := context.Background()

	w, err := f.workflow.RequestWithdrawal(ctx, WithdrawalRequest{UserID: "u1", Amount: dec("10"), Network: "ERC20", Address: ercAddr})
	require.NoError(t, err)

	_, err = f.workflow.ApproveDeposit(ctx, w.ID, "admin")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.workflow.ApproveWithdrawal(ctx, w.ID, "", "0xpayout")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.workflow.ApproveWithdrawal(ctx, w.ID, "admin", "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestApprovalWorkflow_DepositWithoutProofCannotBeApproved(t *testing.T) {
	f := newFixture(t)
	f.open(t, "u1")
	ctx := context.Background()

	tx, err := f.txlog.Create(ctx, &models.Transaction{UserID: "u1", Type: models.TxDeposit, Amount: dec("5")})
	require.NoError(t, err)

	_, err = f.workflow.ApproveDeposit(ctx, tx.ID, "admin")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestApprovalWorkflow_WithdrawalInsufficientAtApproval(t *testing.T) {
	f := newFixture(t)
	f.open(t, "u1")
	f.seed(t, "u1", "50")
	ctx := context.Background()

	tx, err := f.workflow.RequestWithdrawal(ctx, WithdrawalRequest{UserID: "u1", Amount: dec("60"), Network: "ERC20", Address: ercAddr})
	require.NoError(t, err)

	_, err = f.workflow.ApproveWithdrawal(ctx, tx.ID, "admin", "0xpayout")
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	acc := f.account(t, "u1")
	assert.True(t, acc.PlayableBalance.Equal(dec("50")))
	assert.True(t, acc.TotalWithdrawn.IsZero())

	stored, err := f.txlog.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewPending, stored.ReviewState())

	// still decidable
	_, err = f.workflow.RejectWithdrawal(ctx, tx.ID, "admin", "insufficient funds")
	require.NoError(t, err)
}

func TestApprovalWorkflow_WithdrawalApproved(t *testing.T) {
	f := newFixture(t, func(c *config.LedgerConfig) {
		c.WithdrawalFeePercentage = dec("1")
		c.WithdrawalFeeFixed = dec("0.5")
	})
	f.open(t, "u1")
	f.seed(t, "u1", "100")
	ctx := context.Background()

	tx, err := f.workflow.RequestWithdrawal(ctx, WithdrawalRequest{UserID: "u1", Amount: dec("50"), Network: "ERC20", Address: ercAddr, RequestID: "req-1"})
	require.NoError(t, err)
	assert.True(t, tx.Fee.Equal(dec("1")), tx.Fee.String())
	assert.Equal(t, ercAddr, tx.Detail(models.DetailAddress))

	replay, err := f.workflow.RequestWithdrawal(ctx, WithdrawalRequest{UserID: "u1", Amount: dec("50"), Network: "ERC20", Address: ercAddr, RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, tx.ID, replay.ID)

	done, err := f.workflow.ApproveWithdrawal(ctx, tx.ID, "admin", "0xpayout")
	require.NoError(t, err)
	assert.Equal(t, "0xpayout", done.TxHash)

	acc := f.account(t, "u1")
	assert.True(t, acc.PlayableBalance.Equal(dec("49")), acc.PlayableBalance.String())
	assert.True(t, acc.TotalWithdrawn.Equal(dec("50")))
}

func TestApprovalWorkflow_RequestWithdrawalValidation(t *testing.T) {
	f := newFixture(t)
	f.open(t, "u1")
	ctx := context.Background()

	cases := []WithdrawalRequest{
		{UserID: "u1", Amount: dec("1"), Network: "ERC20", Address: ercAddr},
		{UserID: "u1", Amount: dec("10"), Network: "ERC20", Address: "0x123"},
		{UserID: "u1", Amount: dec("10"), Network: "BTC", Address: ercAddr},
		{UserID: "u1", Amount: dec("10"), Network: "SOL", Address: ercAddr},
		{UserID: "u1", Amount: dec("10.000000001"), Network: "ERC20", Address: ercAddr},
		{Amount: dec("10"), Network: "ERC20", Address: ercAddr},
	}
	for _, req := range cases {
		_, err := f.workflow.RequestWithdrawal(ctx, req)
		assert.ErrorIs(t, err, models.ErrValidation)
	}
}

func TestApprovalWorkflow_WithdrawalFee(t *testing.T) {
	w := &ApprovalWorkflow{cfg: config.LedgerConfig{
		WithdrawalFeePercentage: dec("2.5"),
		WithdrawalFeeFixed:      dec("1"),
	}}
	assert.True(t, w.WithdrawalFee(dec("100")).Equal(dec("3.5")))
	assert.True(t, w.WithdrawalFee(dec("0.33333333")).Equal(dec("1.00833333")))
}
