package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/ci-dispatch/internal/api"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// Request messages. The path parameters of the HTTP surface become fields.

type readyJobsRequest struct {
	BuildKey   string `json:"build_key"`
	Config     string `json:"config"`
	ClientName string `json:"client_name"`
}

type claimRequest struct {
	BuildKey   string      `json:"build_key"`
	Config     string      `json:"config"`
	ClientName string      `json:"client_name"`
	JobID      types.JobID `json:"job_id"`
}

type stepRequest struct {
	BuildKey   string             `json:"build_key"`
	ClientName string             `json:"client_name"`
	ResultID   types.StepResultID `json:"result_id"`
	api.StepBody
}

type finishRequest struct {
	BuildKey   string      `json:"build_key"`
	ClientName string      `json:"client_name"`
	JobID      types.JobID `json:"job_id"`
	api.FinishBody
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return s, nil
}

// fromStruct decodes a Struct into v.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("%w: empty message", store.ErrBadRequest)
	}
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", store.ErrBadRequest, err)
	}
	return nil
}

var codeToGRPC = map[string]codes.Code{
	api.CodeUnauthorized:     codes.Unauthenticated,
	api.CodeNotFound:         codes.NotFound,
	api.CodeBadRequest:       codes.InvalidArgument,
	api.CodeMethodNotAllowed: codes.Unimplemented,
	api.CodeInternal:         codes.Internal,
}

// toStatus maps the error taxonomy onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := api.ErrorCode(err)
	msg := err.Error()
	if code == api.CodeInternal {
		msg = "internal server error"
	}
	return status.Error(codeToGRPC[code], msg)
}

// fromStatus turns a gRPC status back into an error that matches the
// taxonomy with errors.Is.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for code, c := range codeToGRPC {
		if c == st.Code() {
			return api.CodeError(code, st.Message())
		}
	}
	return errors.Join(store.ErrInternal, err)
}
