package infra

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/eliteGoblin/focusd/patchd/internal/domain"
)

// Endpoint name stems that blend in with runtime diagnostic sockets.
var endpointStems = []string{
	"dotnet-diagnostic",
	"clr-debug-pipe",
	"CoreFxPipe",
	"MSBuild",
	"vscode-ipc",
	"dbus-session",
}

// ObfuscatorImpl implements domain.Obfuscator.
type ObfuscatorImpl struct{}

// NewObfuscator creates a channel endpoint name generator.
func NewObfuscator() domain.Obfuscator {
	return &ObfuscatorImpl{}
}

// GenerateName returns names such as "dotnet-diagnostic-48213-a1b2c3d4".
func (o *ObfuscatorImpl) GenerateName() string {
	stem := endpointStems[randomInt(len(endpointStems))]
	return fmt.Sprintf("%s-%d-%s", stem, 1000+randomInt(64000), randomHex(8))
}

// randomInt returns a cryptographically random int in [0, n).
func randomInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// randomHex returns n random hex characters.
func randomHex(n int) string {
	b := make([]byte, (n+1)/2)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%0*d", n, 0)
	}
	return hex.EncodeToString(b)[:n]
}

var _ domain.Obfuscator = (*ObfuscatorImpl)(nil)
