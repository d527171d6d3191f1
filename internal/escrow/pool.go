package escrow

import (
	"github.com/google/uuid"

	"github.com/hakimelghazi/escrow-core/internal/asset"
	"github.com/hakimelghazi/escrow-core/internal/identity"
)

// Pool is one owner's custody record: an allowance scope unique to the
// pool, trust registries for automatic allowance issuance, and one
// container per deposited asset type. Pools are created lazily and are
// never destroyed.
type Pool struct {
	Owner identity.Badge `json:"owner"`

	// AllowanceScope is the id of the permission-token type scoped to
	// this pool; every allowance minted for the pool carries it.
	AllowanceScope string `json:"allowance_scope"`

	// Trust registries. Distrust is recorded by flipping an entry to
	// false, entries are never deleted.
	TrustedBadges map[string]bool `json:"trusted_badges"`
	TrustedAssets map[string]bool `json:"trusted_assets"`

	// Vaults maps asset type id to the pool's container for that type.
	Vaults map[string]*asset.Bucket `json:"vaults"`
}

func newPool(owner identity.Badge) *Pool {
	return &Pool{
		Owner:          owner,
		AllowanceScope: uuid.NewString(),
		TrustedBadges:  make(map[string]bool),
		TrustedAssets:  make(map[string]bool),
		Vaults:         make(map[string]*asset.Bucket),
	}
}

// vault returns the container for t if the pool has one.
func (p *Pool) vault(t asset.Type) (*asset.Bucket, bool) {
	b, ok := p.Vaults[t.ID]
	return b, ok
}

// ensureVault returns the container for t, creating it on first use.
func (p *Pool) ensureVault(t asset.Type) *asset.Bucket {
	if b, ok := p.Vaults[t.ID]; ok {
		return b
	}
	b := asset.NewBucket(t)
	p.Vaults[t.ID] = b
	return b
}

func (p *Pool) isBadgeTrusted(b identity.Badge) bool {
	return p.TrustedBadges[b.String()]
}

func (p *Pool) isAssetTrusted(typeID string) bool {
	return p.TrustedAssets[typeID]
}
