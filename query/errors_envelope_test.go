package query

import (
	"context"
	"net/http"
	"testing"

	"github.com/anchorledger/custody-core/core"
	goerrors "github.com/goliatone/go-errors"
)

func TestGetOperationMessage_ValidateReturnsRichError(t *testing.T) {
	err := (GetOperationMessage{}).Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
	if rich.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 code, got %d", rich.Code)
	}
	if rich.TextCode != core.CustodyErrorBadInput {
		t.Fatalf("expected %q text code, got %q", core.CustodyErrorBadInput, rich.TextCode)
	}
}

func TestGetOperationQuery_NilReaderReturnsRichError(t *testing.T) {
	var q *GetOperationQuery
	_, err := q.Query(context.Background(), GetOperationMessage{OperationID: "op_1"})
	if err == nil {
		t.Fatalf("expected dependency error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
	if rich.TextCode != core.CustodyErrorInternal {
		t.Fatalf("expected %q text code, got %q", core.CustodyErrorInternal, rich.TextCode)
	}
}
