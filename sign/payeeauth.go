package sign

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/scpnetwork/scp-go/scp"
)

// payeeAuthPrefix versions the request-auth message format.
const payeeAuthPrefix = "x402-scp-payee-auth-v1"

// PayeeAuth is the content a payee signs to authenticate a privileged hub
// request: the method, path, its own address, a timestamp, and a digest of
// the request body. A sibling scheme to channel-state signing, but over HTTP
// requests rather than channel updates.
type PayeeAuth struct {
	Method    string
	Path      string
	Payee     string
	Timestamp int64
	Body      any
}

// Message renders the signed text.
func (a PayeeAuth) Message() (string, error) {
	body := a.Body
	if body == nil {
		body = map[string]any{}
	}
	canonical, err := scp.CanonicalJSON(body)
	if err != nil {
		return "", fmt.Errorf("hashing auth body: %w", err)
	}
	bodyHash := hexutil.Encode(crypto.Keccak256(canonical))
	return fmt.Sprintf("%s\n%s\n%s\n%s\n%d\n%s",
		payeeAuthPrefix,
		strings.ToUpper(a.Method),
		a.Path,
		strings.ToLower(a.Payee),
		a.Timestamp,
		bodyHash,
	), nil
}

// SignPayeeAuth signs the auth message as an Ethereum personal message.
func SignPayeeAuth(a PayeeAuth, key *ecdsa.PrivateKey) (string, error) {
	msg, err := a.Message()
	if err != nil {
		return "", err
	}
	return signDigest(common.BytesToHash(accounts.TextHash([]byte(msg))), key)
}

// RecoverPayeeAuthSigner recovers the address that signed the auth message.
func RecoverPayeeAuthSigner(a PayeeAuth, sig string) (common.Address, error) {
	msg, err := a.Message()
	if err != nil {
		return common.Address{}, err
	}
	return recoverDigest(common.BytesToHash(accounts.TextHash([]byte(msg))), sig)
}
