package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/parlakisik/agent-exchange/src/internal/httpclient"
	"github.com/shopspring/decimal"
)

var ErrTransferNotFound = errors.New("transfer not found")

// Transfer is a confirmed token transfer on a public ledger.
type Transfer struct {
	TxHash string
	From   string
	Amount decimal.Decimal
}

// TransferVerifier maps a transaction hash to the transfer it recorded.
type TransferVerifier interface {
	VerifyTransfer(ctx context.Context, txHash string) (Transfer, error)
}

// HTTPTransferVerifier looks transfers up on a block-explorer style API that
// serves GET {base}/transfers/{hash}.
type HTTPTransferVerifier struct {
	baseURL string
	client  *httpclient.Client
}

func NewHTTPTransferVerifier(baseURL string) *HTTPTransferVerifier {
	return &HTTPTransferVerifier{
		baseURL: baseURL,
		client:  httpclient.NewClient("transfer-verifier", 10*time.Second),
	}
}

type transferResponse struct {
	Hash      string          `json:"hash"`
	From      string          `json:"from"`
	Amount    decimal.Decimal `json:"amount"`
	Confirmed bool            `json:"confirmed"`
}

func (v *HTTPTransferVerifier) VerifyTransfer(ctx context.Context, txHash string) (Transfer, error) {
	var resp transferResponse
	err := httpclient.NewRequest(http.MethodGet, v.baseURL).
		Path("/transfers/" + url.PathEscape(txHash)).
		Context(ctx).
		ExecuteJSON(v.client, &resp)
	if err != nil {
		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, txHash)
		}
		return Transfer{}, fmt.Errorf("verify transfer %s: %w", txHash, err)
	}
	if !resp.Confirmed {
		return Transfer{}, fmt.Errorf("%w: %s is not confirmed", ErrTransferNotFound, txHash)
	}
	return Transfer{TxHash: txHash, From: resp.From, Amount: resp.Amount}, nil
}
