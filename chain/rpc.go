package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/anchorledger/custody-core/core"
)

const defaultRPCClientTimeout = 30 * time.Second
const defaultRPCResponseBodyLimit int64 = 4 << 20 // 4 MiB

// RPC is the low-level JSON-RPC surface the client rides on. Implementations
// must be safe for concurrent use.
type RPC interface {
	Call(ctx context.Context, method string, params any, result any) error
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RPCError is a structured error returned by the node itself, as opposed to
// a transport failure reaching it.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("chain: rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// HTTPRPC posts JSON-RPC requests to a single node endpoint.
type HTTPRPC struct {
	Endpoint             string
	Client               HTTPDoer
	MaxResponseBodyBytes int64

	seq atomic.Uint64
}

func NewHTTPRPC(endpoint string, client HTTPDoer) *HTTPRPC {
	if client == nil {
		client = &http.Client{Timeout: defaultRPCClientTimeout}
	}
	return &HTTPRPC{
		Endpoint:             strings.TrimSpace(endpoint),
		Client:               client,
		MaxResponseBodyBytes: defaultRPCResponseBodyLimit,
	}
}

func (r *HTTPRPC) Call(ctx context.Context, method string, params any, result any) error {
	if r == nil || r.Client == nil {
		return core.NewError(core.ErrorKindMisconfigured, "chain: rpc transport requires an http client")
	}
	if strings.TrimSpace(r.Endpoint) == "" {
		return core.NewError(core.ErrorKindMisconfigured, "chain: rpc endpoint is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      r.seq.Add(1),
		Method:  strings.TrimSpace(method),
		Params:  params,
	})
	if err != nil {
		return core.WrapError(core.ErrorKindParametersInvalid, err, "chain: encode rpc request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return core.WrapError(core.ErrorKindParametersInvalid, err, "chain: create rpc request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpRes, err := r.Client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return core.WrapError(core.ErrorKindNetworkTimeout, err, "chain: rpc request timed out")
		}
		return core.WrapError(core.ErrorKindExternalUnavailable, err, "chain: rpc request failed")
	}
	defer httpRes.Body.Close()

	switch {
	case httpRes.StatusCode == http.StatusTooManyRequests:
		return core.NewError(core.ErrorKindRateLimited, "chain: node rate limited the request")
	case httpRes.StatusCode >= http.StatusInternalServerError:
		return core.NewError(
			core.ErrorKindExternalUnavailable,
			fmt.Sprintf("chain: node returned status %d", httpRes.StatusCode),
		)
	case httpRes.StatusCode != http.StatusOK:
		return core.NewError(
			core.ErrorKindInvalidResponse,
			fmt.Sprintf("chain: unexpected status %d", httpRes.StatusCode),
		)
	}

	limit := r.MaxResponseBodyBytes
	if limit <= 0 {
		limit = defaultRPCResponseBodyLimit
	}
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	if err != nil {
		return core.WrapError(core.ErrorKindInvalidResponse, err, "chain: read rpc response")
	}
	if int64(len(body)) > limit {
		return core.NewError(
			core.ErrorKindInvalidResponse,
			fmt.Sprintf("chain: rpc response exceeds limit of %d bytes", limit),
		)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return core.WrapError(core.ErrorKindInvalidResponse, err, "chain: decode rpc response")
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if result != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return core.WrapError(core.ErrorKindInvalidResponse, err, "chain: decode rpc result")
		}
	}
	return nil
}

var _ RPC = (*HTTPRPC)(nil)
