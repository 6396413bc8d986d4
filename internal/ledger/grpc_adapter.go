package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Методы сервиса исполнителя. Сообщения — google.protobuf.Struct,
// поэтому клиенту не нужен сгенерированный код.
const (
	methodSubmitTransfer    = "/agentpay.ledger.v1.LedgerService/SubmitTransfer"
	methodGetTransferStatus = "/agentpay.ledger.v1.LedgerService/GetTransferStatus"
)

type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера
func NewGRPCAdapter(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAdapter{conn: conn, timeout: timeout}
}

// SubmitTransfer реализует Executor
func (a *GRPCAdapter) SubmitTransfer(ctx context.Context, ins Instruction) (Result, error) {
	// 1. Сумма передается строкой: number в Struct — это float64
	req, err := structpb.NewStruct(map[string]interface{}{
		"from":            ins.From,
		"to":              ins.To,
		"amount":          formatAmount(ins.Amount),
		"token":           ins.Token,
		"idempotency_key": ins.IdempotencyKey,
		"memo":            ins.Memo,
		"fee":             formatAmount(ins.Fee),
		"fee_recipient":   ins.FeeRecipient,
	})
	if err != nil {
		return Result{}, fmt.Errorf("ledger: build request: %w", err)
	}

	// 2. Защитный таймаут на уровне вызова, даже если обертка задает свой
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// 3. Вызов исполнителя
	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, methodSubmitTransfer, req, resp); err != nil {
		return Result{}, classify(err)
	}
	return decodeResult(resp)
}

func (a *GRPCAdapter) TransferStatus(ctx context.Context, idempotencyKey string) (Result, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"idempotency_key": idempotencyKey})
	if err != nil {
		return Result{}, fmt.Errorf("ledger: build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, methodGetTransferStatus, req, resp); err != nil {
		return Result{}, classify(err)
	}
	return decodeResult(resp)
}

func decodeResult(resp *structpb.Struct) (Result, error) {
	fields := resp.GetFields()
	st, err := ParseStatus(fields["status"].GetStringValue())
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status:        st,
		SettlementRef: fields["settlement_ref"].GetStringValue(),
		Reason:        fields["reason"].GetStringValue(),
	}, nil
}

// classify переводит gRPC-коды в ошибки контракта
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	s, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("ledger call failed: %w", err)
	}
	switch s.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", ErrTimeout, s.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, s.Message())
	case codes.ResourceExhausted:
		return &ThrottleError{RetryAfter: time.Second, Cause: err}
	case codes.FailedPrecondition, codes.InvalidArgument:
		// Исполнитель отверг инструкцию до обработки
		return fmt.Errorf("%w: %s", ErrNotSubmitted, s.Message())
	default:
		return fmt.Errorf("ledger call failed [%s]: %s", s.Code(), s.Message())
	}
}
