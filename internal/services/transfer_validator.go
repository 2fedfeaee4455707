package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"deposit-engine/internal/clients"
	"deposit-engine/internal/config"
	"deposit-engine/internal/interfaces"
	"deposit-engine/internal/models"
	"deposit-engine/internal/types"
	"deposit-engine/internal/utils"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

const erc20TransferABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable",
	 "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

// ERC20ABI the transfer subset of the ERC-20 interface
var ERC20ABI = mustParseABI(erc20TransferABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse ERC-20 ABI: %v", err))
	}
	return parsed
}

// TransferValidator fetches a candidate from its chain and turns it into a canonical record
type TransferValidator struct {
	pool    interfaces.ConnectionProvider
	chains  map[string]config.ChainConfig
	timeout time.Duration
}

func NewTransferValidator(pool interfaces.ConnectionProvider, chains map[string]config.ChainConfig, timeout time.Duration) *TransferValidator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TransferValidator{pool: pool, chains: chains, timeout: timeout}
}

// Validate rules, in order: the transaction must exist, carry a payload or
// value, pay the watched recipient a non-zero amount. Rejections wrap
// types.ErrValidation; anything else is a chain error worth retrying.
func (v *TransferValidator) Validate(ctx context.Context, req interfaces.ValidationRequest) (*models.CanonicalTransfer, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	conn, err := v.pool.Acquire(ctx, req.Chain)
	if err != nil {
		return nil, err
	}

	switch req.Family {
	case models.ChainFamilyAccount:
		if conn.EVM == nil {
			return nil, fmt.Errorf("%w: chain %s has no account client", types.ErrNoConnection, req.Chain)
		}
		return v.validateAccount(ctx, conn, req)
	case models.ChainFamilyUTXO:
		if conn.UTXO == nil {
			return nil, fmt.Errorf("%w: chain %s has no utxo client", types.ErrNoConnection, req.Chain)
		}
		return v.validateUTXO(ctx, conn, req)
	}
	return nil, fmt.Errorf("validator: unsupported family %q", req.Family)
}

func (v *TransferValidator) validateAccount(ctx context.Context, conn *clients.ChainConnection, req interfaces.ValidationRequest) (*models.CanonicalTransfer, error) {
	tx, _, err := conn.EVM.TransactionByHash(ctx, common.HexToHash(req.Candidate.TxID))
	if errors.Is(err, ethereum.NotFound) || (err == nil && tx == nil) {
		return nil, types.Reject(types.ErrTxNotFound, req.Candidate.TxID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch transaction %s: %w", req.Candidate.TxID, err)
	}
	if len(tx.Data()) == 0 && tx.Value().Sign() == 0 && req.Candidate.Value == "" {
		return nil, types.Reject(types.ErrNoPayload, "")
	}

	from := senderOf(tx)
	var recipient string
	var amount *big.Int

	if req.TokenContract != "" {
		if decodedFrom, to, value, ok := decodeTransferCall(tx.Data()); ok {
			if tx.To() == nil || !utils.AddressesEqual(tx.To().Hex(), req.TokenContract) {
				return nil, types.Reject(types.ErrRecipientMismatch, "transfer call on another contract")
			}
			recipient, amount = to.Hex(), value
			if decodedFrom != (common.Address{}) {
				from = decodedFrom.Hex()
			}
		} else if req.Candidate.Recipient != "" && req.Candidate.Value != "" {
			// routed through another contract; the Transfer log carries the values
			recipient = req.Candidate.Recipient
			amount, _ = utils.ParseBaseUnits(req.Candidate.Value)
		} else if tx.To() != nil {
			recipient, amount = tx.To().Hex(), tx.Value()
		}
	} else if tx.To() != nil {
		recipient, amount = tx.To().Hex(), tx.Value()
	}

	if recipient == "" || !utils.AddressesEqual(recipient, req.Recipient) {
		return nil, types.Reject(types.ErrRecipientMismatch, recipient)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, types.Reject(types.ErrZeroAmount, "")
	}

	rec := &models.CanonicalTransfer{
		Chain:     req.Chain,
		Family:    models.ChainFamilyAccount,
		TxID:      strings.ToLower(tx.Hash().Hex()),
		Direction: models.DirectionDeposit,
		From:      from,
		To:        recipient,
		Amount:    utils.FormatUnitsOr(amount, req.Decimals, models.AmountUnavailable),
		Fee:       models.FeeUnavailable,
		Status:    models.TransferStatusPending,
		Timestamp: candidateTime(req.Candidate),
	}
	if req.Candidate.BlockNumber > 0 {
		rec.BlockRef = fmt.Sprintf("%d", req.Candidate.BlockNumber)
	}

	receipt, err := conn.EVM.TransactionReceipt(ctx, tx.Hash())
	if err == nil && receipt != nil {
		if receipt.EffectiveGasPrice != nil {
			fee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
			rec.Fee = utils.FormatUnitsOr(fee, v.nativeDecimals(req.Chain), models.FeeUnavailable)
		}
		if receipt.BlockNumber != nil {
			rec.BlockRef = receipt.BlockNumber.String()
		}
	}
	return rec, nil
}

func (v *TransferValidator) validateUTXO(ctx context.Context, conn *clients.ChainConnection, req interfaces.ValidationRequest) (*models.CanonicalTransfer, error) {
	tx, err := conn.UTXO.Transaction(ctx, req.Candidate.TxID)
	if errors.Is(err, types.ErrTxNotFound) {
		return nil, types.Reject(types.ErrTxNotFound, req.Candidate.TxID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch transaction %s: %w", req.Candidate.TxID, err)
	}
	if len(tx.Vout) == 0 {
		return nil, types.Reject(types.ErrNoPayload, "")
	}

	received := new(big.Int)
	matched := false
	for _, out := range tx.Vout {
		if out.ScriptPubKeyAddress != "" && utils.AddressesEqual(out.ScriptPubKeyAddress, req.Recipient) {
			matched = true
			received.Add(received, big.NewInt(out.Value))
		}
	}
	if !matched {
		return nil, types.Reject(types.ErrRecipientMismatch, req.Recipient)
	}
	if received.Sign() <= 0 {
		return nil, types.Reject(types.ErrZeroAmount, "")
	}

	var from string
	for _, in := range tx.Vin {
		if in.Prevout != nil && in.Prevout.ScriptPubKeyAddress != "" {
			from = in.Prevout.ScriptPubKeyAddress
			break
		}
	}
	ts := candidateTime(req.Candidate)
	if tx.Status.BlockTime > 0 {
		ts = time.Unix(tx.Status.BlockTime, 0)
	}

	return &models.CanonicalTransfer{
		Chain:     req.Chain,
		Family:    models.ChainFamilyUTXO,
		TxID:      tx.TxID,
		Direction: models.DirectionDeposit,
		From:      from,
		To:        req.Recipient,
		Amount:    utils.FormatUnitsOr(received, req.Decimals, models.AmountUnavailable),
		Fee:       utils.FormatUnitsOr(big.NewInt(tx.Fee), req.Decimals, models.FeeUnavailable),
		Status:    models.TransferStatusPending,
		BlockRef:  tx.Status.BlockHash,
		Timestamp: ts,
	}, nil
}

func (v *TransferValidator) nativeDecimals(chain string) int32 {
	if cfg, ok := v.chains[chain]; ok && cfg.NativeDecimals > 0 {
		return cfg.NativeDecimals
	}
	return 18
}

// decodeTransferCall recognizes transfer and transferFrom calldata
func decodeTransferCall(data []byte) (common.Address, common.Address, *big.Int, bool) {
	var zero common.Address
	if len(data) < 4 {
		return zero, zero, nil, false
	}
	method, err := ERC20ABI.MethodById(data[:4])
	if err != nil {
		return zero, zero, nil, false
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return zero, zero, nil, false
	}

	switch {
	case method.Name == "transfer" && len(args) == 2:
		to, ok1 := args[0].(common.Address)
		value, ok2 := args[1].(*big.Int)
		return zero, to, value, ok1 && ok2
	case method.Name == "transferFrom" && len(args) == 3:
		from, ok1 := args[0].(common.Address)
		to, ok2 := args[1].(common.Address)
		value, ok3 := args[2].(*big.Int)
		return from, to, value, ok1 && ok2 && ok3
	}
	return zero, zero, nil, false
}

func senderOf(tx *ethtypes.Transaction) string {
	var signer ethtypes.Signer
	if id := tx.ChainId(); id != nil && id.Sign() > 0 {
		signer = ethtypes.LatestSignerForChainID(id)
	} else {
		signer = ethtypes.HomesteadSigner{}
	}
	from, err := ethtypes.Sender(signer, tx)
	if err != nil {
		return ""
	}
	return from.Hex()
}

func candidateTime(c models.CandidateTransfer) time.Time {
	if c.Timestamp.IsZero() {
		return time.Now()
	}
	return c.Timestamp
}
