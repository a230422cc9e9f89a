// Package fabric dials Hyperledger Fabric contracts through the Fabric Gateway
// service and adapts them to ledger.Contract.
package fabric

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/hash"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"github.com/hyperledger/fabric-protos-go-apiv2/gateway"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"meddrop/ledger"
)

// Config describes how to reach the gateway peer and which identity signs.
type Config struct {
	// PeerEndpoint is the host:port of the gateway peer.
	PeerEndpoint string
	// GatewayPeer overrides the TLS server name, e.g. peer0.org1.example.com.
	GatewayPeer string
	// TLSCertPath is the PEM CA certificate of the peer. Empty dials in plaintext.
	TLSCertPath string
	MSPID       string
	// CertPath is the PEM signing certificate of the client identity.
	CertPath string
	// KeyPath is the PEM private key, or a keystore directory holding exactly one.
	KeyPath string

	EvaluateTimeout     time.Duration
	EndorseTimeout      time.Duration
	SubmitTimeout       time.Duration
	CommitStatusTimeout time.Duration
}

// Connector owns the gRPC connection to the gateway peer and dials contract
// handles over it.
type Connector struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn
	id   *identity.X509Identity
	sign identity.Sign
}

// NewConnector returns a connector for cfg. Nothing is dialed until the first
// handle is requested.
func NewConnector(cfg Config, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{cfg: cfg, logger: logger.With(slog.String("component", "fabric"))}
}

// Dialer adapts the connector to ledger.Dialer.
func (c *Connector) Dialer() ledger.Dialer {
	return c.Dial
}

// Dial connects a gateway session and binds it to ref's channel and chaincode.
// A missing identity or an unreachable peer is reported as ledger.ErrConnection.
func (c *Connector) Dial(ctx context.Context, ref ledger.Ref) (ledger.Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrConnection, err)
	}
	conn, id, sign, err := c.session()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrConnection, err)
	}
	gw, err := client.Connect(id,
		client.WithSign(sign),
		client.WithHash(hash.SHA256),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(orDefault(c.cfg.EvaluateTimeout, 5*time.Second)),
		client.WithEndorseTimeout(orDefault(c.cfg.EndorseTimeout, 15*time.Second)),
		client.WithSubmitTimeout(orDefault(c.cfg.SubmitTimeout, 5*time.Second)),
		client.WithCommitStatusTimeout(orDefault(c.cfg.CommitStatusTimeout, time.Minute)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect gateway: %w", ledger.ErrConnection, err)
	}
	network := gw.GetNetwork(ref.Channel)
	return &handle{
		ref:      ref,
		gateway:  gw,
		network:  network,
		contract: network.GetContract(ref.Contract),
	}, nil
}

// Close closes the shared gRPC connection. Handles still leased stop working.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Connector) session() (*grpc.ClientConn, *identity.X509Identity, identity.Sign, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == nil {
		id, sign, err := LoadIdentity(c.cfg.MSPID, c.cfg.CertPath, c.cfg.KeyPath)
		if err != nil {
			return nil, nil, nil, err
		}
		c.id, c.sign = id, sign
	}
	if c.conn == nil {
		conn, err := c.dialPeer()
		if err != nil {
			return nil, nil, nil, err
		}
		c.conn = conn
		c.logger.Info("gateway peer connection created",
			slog.String("endpoint", c.cfg.PeerEndpoint),
			slog.Bool("tls", c.cfg.TLSCertPath != ""))
	}
	return c.conn, c.id, c.sign, nil
}

func (c *Connector) dialPeer() (*grpc.ClientConn, error) {
	if strings.TrimSpace(c.cfg.PeerEndpoint) == "" {
		return nil, errors.New("peer endpoint not configured")
	}
	creds := insecure.NewCredentials()
	if c.cfg.TLSCertPath != "" {
		pem, err := os.ReadFile(c.cfg.TLSCertPath)
		if err != nil {
			return nil, fmt.Errorf("read peer TLS certificate: %w", err)
		}
		cert, err := identity.CertificateFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parse peer TLS certificate: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AddCert(cert)
		creds = credentials.NewClientTLSFromCert(pool, c.cfg.GatewayPeer)
	}
	conn, err := grpc.NewClient(c.cfg.PeerEndpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}
	return conn, nil
}

// LoadIdentity reads the client certificate and private key. keyPath may name
// a keystore directory, in which case its single key file is used.
func LoadIdentity(mspID, certPath, keyPath string) (*identity.X509Identity, identity.Sign, error) {
	if strings.TrimSpace(mspID) == "" {
		return nil, nil, errors.New("identity: msp id required")
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: read certificate: %w", err)
	}
	cert, err := identity.CertificateFromPEM(certPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: parse certificate: %w", err)
	}
	id, err := identity.NewX509Identity(mspID, cert)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: %w", err)
	}
	keyFile, err := resolveKeyFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: read private key: %w", err)
	}
	key, err := identity.PrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: parse private key: %w", err)
	}
	sign, err := identity.NewPrivateKeySign(key)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: %w", err)
	}
	return id, sign, nil
}

func resolveKeyFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("identity: private key: %w", err)
	}
	if !info.IsDir() {
		return path, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("identity: read keystore: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	if len(files) != 1 {
		return "", fmt.Errorf("identity: keystore %s holds %d keys, want 1", path, len(files))
	}
	sort.Strings(files)
	return filepath.Join(path, files[0]), nil
}

type handle struct {
	ref      ledger.Ref
	gateway  *client.Gateway
	network  *client.Network
	contract *client.Contract
}

func (h *handle) Evaluate(ctx context.Context, operation string, args ...string) ([]byte, error) {
	result, err := h.contract.EvaluateWithContext(ctx, operation, client.WithArguments(args...))
	if err != nil {
		return nil, translate(operation, err)
	}
	return result, nil
}

func (h *handle) Submit(ctx context.Context, operation string, args ...string) (ledger.Receipt, error) {
	_, commit, err := h.contract.SubmitAsyncWithContext(ctx, operation, client.WithArguments(args...))
	if err != nil {
		return ledger.Receipt{}, translate(operation, err)
	}
	st, err := commit.StatusWithContext(ctx)
	return commitResult(operation, commit.TransactionID(), st, err)
}

// commitResult settles a transaction the orderer has already accepted. When
// the commit status cannot be read the outcome is unknown, so the error keeps
// the transaction id instead of reporting a rejection.
func commitResult(operation, txID string, st *client.Status, err error) (ledger.Receipt, error) {
	if err != nil {
		return ledger.Receipt{}, &ledger.UnconfirmedError{TransactionID: txID, Err: commitStatusError(operation, err)}
	}
	if !st.Successful {
		return ledger.Receipt{}, &ledger.RejectedError{
			Operation: operation,
			Message:   fmt.Sprintf("transaction %s failed to commit with status code %d (%s)", st.TransactionID, int32(st.Code), st.Code.String()),
		}
	}
	return ledger.Receipt{TransactionID: st.TransactionID, BlockNumber: st.BlockNumber}, nil
}

func commitStatusError(operation string, err error) error {
	switch {
	case errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled:
		return fmt.Errorf("%s commit status: %w: %w", operation, context.Canceled, err)
	case errors.Is(err, context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded:
		return fmt.Errorf("%s commit status: %w: %w", operation, ledger.ErrConfirmationTimeout, err)
	default:
		return fmt.Errorf("%s commit status: %w: %w", operation, ledger.ErrConnection, err)
	}
}

func (h *handle) Events(ctx context.Context, fromBlock uint64) (<-chan ledger.Event, error) {
	var opts []client.ChaincodeEventsOption
	if fromBlock > 0 {
		opts = append(opts, client.WithStartBlock(fromBlock))
	}
	source, err := h.network.ChaincodeEvents(ctx, h.ref.Contract, opts...)
	if err != nil {
		return nil, translate("chaincode events", err)
	}
	out := make(chan ledger.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-source:
				if !ok {
					return
				}
				select {
				case out <- ledger.Event{
					Name:          ev.EventName,
					TransactionID: ev.TransactionID,
					BlockNumber:   ev.BlockNumber,
					Payload:       ev.Payload,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (h *handle) Close() error {
	return h.gateway.Close()
}

// translate separates transport failures from errors raised by the chaincode
// or the endorsement and ordering pipeline.
func translate(operation string, err error) error {
	if isTransport(err) {
		return fmt.Errorf("%s: %w: %w", operation, ledger.ErrConnection, err)
	}
	return &ledger.RejectedError{Operation: operation, Message: Message(err), Err: err}
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

// Message extracts the most specific message of a gateway error: the peer
// error details when present, the gRPC status message otherwise.
func Message(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return strings.TrimSpace(err.Error())
	}
	var details []string
	for _, d := range st.Details() {
		if detail, ok := d.(*gateway.ErrorDetail); ok && detail.GetMessage() != "" {
			details = append(details, detail.GetMessage())
		}
	}
	if len(details) > 0 {
		return strings.Join(details, "; ")
	}
	return strings.TrimSpace(st.Message())
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
