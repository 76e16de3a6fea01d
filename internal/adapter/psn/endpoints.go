package psn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
	"github.com/vertextoedge/psn-update-fetcher/internal/domain/vo"
)

const (
	DefaultPS3BaseURL = "https://a0.ww.np.dl.playstation.net"
	DefaultPS4BaseURL = "https://gs-sec.ww.np.dl.playstation.net"

	// DefaultHMACKey is the shared key the PS4 update endpoint expects the
	// title id to be signed with.
	DefaultHMACKey = "AD62E37F905E06BC19593142281C112CEC0E7EC3E97EFDCAEFCDBAAFA6378D84"
)

// Endpoints builds manifest URLs per platform variant
type Endpoints struct {
	PS3BaseURL string
	PS4BaseURL string
	HMACKey    string // hex encoded
}

// DefaultEndpoints returns the vendor production endpoints
func DefaultEndpoints() Endpoints {
	return Endpoints{
		PS3BaseURL: DefaultPS3BaseURL,
		PS4BaseURL: DefaultPS4BaseURL,
		HMACKey:    DefaultHMACKey,
	}
}

// ManifestURL returns the update manifest URL for a title
func (e Endpoints) ManifestURL(id vo.TitleID) (string, error) {
	switch id.Variant() {
	case vo.VariantPS3:
		return fmt.Sprintf("%s/tpl/np/%s/%s-ver.xml", strings.TrimRight(e.PS3BaseURL, "/"), id, id), nil
	case vo.VariantPS4:
		sig, err := e.sign(id.String())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s/plo/np/%s/%s/%s-ver.xml", strings.TrimRight(e.PS4BaseURL, "/"), id, sig, id), nil
	default:
		return "", domain.ErrInvalidSerial
	}
}

// sign returns the lowercase hex HMAC-SHA256 of "np_<id>". A key that cannot
// be decoded means the id cannot be resolved.
func (e Endpoints) sign(id string) (string, error) {
	key, err := hex.DecodeString(e.HMACKey)
	if err != nil || len(key) == 0 {
		return "", domain.ErrInvalidSerial
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("np_" + id))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
