package ipc

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xraytun/internal/state"
)

var kindCodes = map[state.ErrorKind]codes.Code{
	state.KindInvalidConfig:  codes.InvalidArgument,
	state.KindTimeout:        codes.DeadlineExceeded,
	state.KindEngineFailure:  codes.Internal,
	state.KindBusy:           codes.Unavailable,
	state.KindAlreadyInState: codes.FailedPrecondition,
}

// toStatus переводит ошибку контроллера в gRPC-статус. Kind кладётся в details,
// чтобы клиент отличал Busy от недоступного транспорта.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	kind := state.KindOf(err)
	if code, ok := kindCodes[kind]; ok {
		st := status.New(code, strings.TrimPrefix(err.Error(), string(kind)+": "))
		if detailed, derr := st.WithDetails(wrapperspb.String(string(kind))); derr == nil {
			st = detailed
		}
		return st.Err()
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// fromStatus восстанавливает state.Error на стороне клиента.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, detail := range st.Details() {
		v, ok := detail.(*wrapperspb.StringValue)
		if !ok {
			continue
		}
		kind := state.ErrorKind(v.GetValue())
		if _, known := kindCodes[kind]; known {
			return &state.Error{Kind: kind, Message: st.Message()}
		}
	}
	return err
}
