package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AquilaNetwork/aquila-tradebot/internal/core/ports"
)

const requestTimeout = 15 * time.Second

type service struct {
	baseUrl string
	client  *http.Client
	apiKey  string
}

// NewService returns a ports.LedgerService backed by the REST API of a
// local node. The node holds the signing keys; the bot only submits
// payloads and reads chain state.
func NewService(url, apiKey string) (ports.LedgerService, error) {
	if len(url) == 0 {
		return nil, fmt.Errorf("missing ledger url")
	}
	return &service{
		baseUrl: strings.TrimRight(url, "/"),
		client:  &http.Client{Timeout: requestTimeout},
		apiKey:  apiKey,
	}, nil
}

func (s *service) DeployContract(
	ctx context.Context, creationBytes []byte, fundingAmount uint64,
) (string, string, error) {
	reqBody := struct {
		CreationBytes string `json:"creationBytes"`
		FundingAmount uint64 `json:"fundingAmount"`
	}{
		CreationBytes: hex.EncodeToString(creationBytes),
		FundingAmount: fundingAmount,
	}

	var respBody struct {
		ContractAddress string `json:"contractAddress"`
		Signature       string `json:"signature"`
	}
	if err := s.post(ctx, "/at/deploy", reqBody, &respBody); err != nil {
		return "", "", err
	}
	if len(respBody.ContractAddress) == 0 || len(respBody.Signature) == 0 {
		return "", "", fmt.Errorf("malformed deploy response")
	}
	return respBody.ContractAddress, respBody.Signature, nil
}

func (s *service) SendMessage(
	ctx context.Context, contractAddress string, payload []byte,
) (string, error) {
	reqBody := struct {
		Payload string `json:"payload"`
	}{
		Payload: hex.EncodeToString(payload),
	}

	var respBody struct {
		Signature string `json:"signature"`
	}
	if err := s.post(ctx, "/at/"+contractAddress+"/message", reqBody, &respBody); err != nil {
		return "", err
	}
	if len(respBody.Signature) == 0 {
		return "", fmt.Errorf("malformed message response")
	}
	return respBody.Signature, nil
}

func (s *service) GetContractState(
	ctx context.Context, contractAddress string,
) (*ports.ContractState, error) {
	b, err := s.get(ctx, "/at/"+contractAddress)
	if err != nil {
		return nil, err
	}

	var respBody struct {
		CreationBytes string `json:"creationBytes"`
		DataBytes     string `json:"dataBytes"`
		Balance       uint64 `json:"balance"`
	}
	if err := json.Unmarshal(b, &respBody); err != nil {
		return nil, fmt.Errorf("parse contract state: %w", err)
	}

	creation, err := hex.DecodeString(respBody.CreationBytes)
	if err != nil {
		return nil, fmt.Errorf("decode creation bytes: %w", err)
	}
	data, err := hex.DecodeString(respBody.DataBytes)
	if err != nil {
		return nil, fmt.Errorf("decode data bytes: %w", err)
	}

	return &ports.ContractState{
		CreationBytes: creation,
		DataBytes:     data,
		Balance:       respBody.Balance,
	}, nil
}

func (s *service) TransactionConfirmations(ctx context.Context, signature string) (uint32, error) {
	b, err := s.get(ctx, "/transactions/"+signature+"/confirmations")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse confirmations: %w", err)
	}
	return uint32(n), nil
}

func (s *service) ChainHeight(ctx context.Context) (uint32, error) {
	b, err := s.get(ctx, "/blocks/height")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse height: %w", err)
	}
	return uint32(n), nil
}

func (s *service) AccountBalance(ctx context.Context, address string) (uint64, error) {
	b, err := s.get(ctx, "/addresses/"+address+"/balance")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance: %w", err)
	}
	return n, nil
}

func (s *service) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseUrl+path, nil)
	if err != nil {
		return nil, err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if err := checkStatus(resp.StatusCode, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *service) post(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.baseUrl+path, bytes.NewReader(payload),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := checkStatus(resp.StatusCode, b); err != nil {
		return err
	}
	return json.Unmarshal(b, respBody)
}

func (s *service) setHeaders(req *http.Request) {
	if len(s.apiKey) > 0 {
		req.Header.Set("X-API-KEY", s.apiKey)
	}
}

func checkStatus(code int, body []byte) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return ports.ErrContractNotFound
	case code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ports.ErrMessageRejected, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("unexpected status %d: %s", code, strings.TrimSpace(string(body)))
	}
}
