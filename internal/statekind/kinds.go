package statekind

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kindlyrobotics/dnaclient/internal/chunked"
	"github.com/kindlyrobotics/dnaclient/internal/corectx"
	"github.com/kindlyrobotics/dnaclient/internal/envelope"
	"github.com/kindlyrobotics/dnaclient/internal/identity"
	"github.com/kindlyrobotics/dnaclient/internal/selfenc"
)

// NewGroupID mints a fresh group identifier (a 36-character UUID) for
// use with GroupDayOutboxKey.
func NewGroupID() string { return uuid.New().String() }

// Retention per kind. Personal sync state lives a week, feed and wall
// content a month, identity backups a year.
const (
	TTLContactList    = 7 * 24 * time.Hour
	TTLAddressBook    = 7 * 24 * time.Hour
	TTLGroupList      = 7 * 24 * time.Hour
	TTLGEKs           = 7 * 24 * time.Hour
	TTLMessageBackup  = 7 * 24 * time.Hour
	TTLGroupDayOutbox = 7 * 24 * time.Hour
	TTLFeed           = 30 * 24 * time.Hour
	TTLWall           = 30 * 24 * time.Hour
	TTLIdentityBackup = 365 * 24 * time.Hour
)

// ContactListEntry is one row of a contact list kind.
type ContactListEntry struct {
	Fingerprint string `json:"fingerprint"`
	Nickname    string `json:"nickname"`
	AddedAt     int64  `json:"added_at"`
}

// ContactList is the `CLST` single-writer-chunked kind.
var ContactList = SingleWriter[[]ContactListEntry]{
	Kind: Kind{Magic: envelope.NewKind("CLST"), MinVersion: 1, MaxVersion: 1, TTL: TTLContactList},
}

// AddressBookEntry is one labeled wallet address.
type AddressBookEntry struct {
	Address   string `json:"address"`
	Label     string `json:"label"`
	Network   string `json:"network"`
	Notes     string `json:"notes"`
	CreatedAt int64  `json:"created_at"`
	LastUsed  int64  `json:"last_used"`
	UseCount  int64  `json:"use_count"`
}

// AddressBook is the `ADDR` single-writer-chunked kind.
var AddressBook = SingleWriter[[]AddressBookEntry]{
	Kind: Kind{Magic: envelope.NewKind("ADDR"), MinVersion: 1, MaxVersion: 1, TTL: TTLAddressBook},
}

// GroupListEntry names one group an identity belongs to.
type GroupListEntry struct {
	GroupID  string `json:"group_id"`
	Name     string `json:"name"`
	JoinedAt int64  `json:"joined_at"`
}

// GroupList is the envelope-wrapped single-writer-chunked kind
// tracking which groups an identity belongs to.
var GroupList = SingleWriter[[]GroupListEntry]{
	Kind: Kind{Magic: envelope.NewKind("GRLS"), MinVersion: 1, MaxVersion: 1, TTL: TTLGroupList},
}

// GroupEncryptionKey is one versioned symmetric key shared by a
// group's members (a "GEK").
type GroupEncryptionKey struct {
	GroupID    string `json:"group_id"`
	KeyVersion int    `json:"key_version"`
	Key        []byte `json:"key"`
	CreatedAt  int64  `json:"created_at"`
}

// GEKs is the `GEKS` single-writer-chunked kind.
var GEKs = SingleWriter[[]GroupEncryptionKey]{
	Kind: Kind{Magic: envelope.NewKind("GEKS"), MinVersion: 1, MaxVersion: 1, TTL: TTLGEKs},
}

// MessageBackupEntry is one archived direct message.
type MessageBackupEntry struct {
	MessageID string `json:"message_id"`
	PeerFP    string `json:"peer_fp"`
	Body      string `json:"body"`
	SentAt    int64  `json:"sent_at"`
	Outbound  bool   `json:"outbound"`
}

// MessageBackup is the `MSGB` single-writer-chunked kind. Versions 3
// and 4 share the same wire fields, so MinVersion/MaxVersion simply
// widen the accepted band.
var MessageBackup = SingleWriter[[]MessageBackupEntry]{
	Kind: Kind{Magic: envelope.NewKind("MSGB"), MinVersion: 3, MaxVersion: 4, TTL: TTLMessageBackup},
}

// GroupDayOutboxEntry is one message in a group's per-day outbox.
// DedupKey/InnerTimestamp satisfy internal/mwindex.Keyed so fetch-all
// dedupes by message_id and sorts by timestamp_ms into send order.
type GroupDayOutboxEntry struct {
	MessageID   string `json:"message_id"`
	TimestampMS int64  `json:"timestamp_ms"`
	Ciphertext  []byte `json:"ciphertext"`
}

func (e GroupDayOutboxEntry) DedupKey() string      { return e.MessageID }
func (e GroupDayOutboxEntry) InnerTimestamp() int64 { return e.TimestampMS }

// GroupDayOutbox is the multi-writer group day-bucket outbox kind.
var GroupDayOutbox = MultiWriter[GroupDayOutboxEntry]{TTL: TTLGroupDayOutbox}

// GroupDayOutboxKey derives the base key for a group's outbox on a
// given UTC unix day (`dna:group:<uuid>:out:<day>`).
func GroupDayOutboxKey(groupID string, day int64) string {
	return fmt.Sprintf("dna:group:%s:out:%d", groupID, day)
}

// FeedRegistry lists known feed channels.
type FeedRegistry struct {
	Channels  []string `json:"channels"`
	UpdatedAt int64    `json:"updated_at"`
}

var FeedRegistryKind = SingleWriter[FeedRegistry]{
	Kind: Kind{Magic: envelope.NewKind("FREG"), MinVersion: 1, MaxVersion: 1, TTL: TTLFeed},
}

const FeedRegistryKey = "dna:feed:registry"

// FeedChannelMeta describes one feed channel.
type FeedChannelMeta struct {
	Channel     string `json:"channel"`
	Title       string `json:"title"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
}

var FeedChannelMetaKind = SingleWriter[FeedChannelMeta]{
	Kind: Kind{Magic: envelope.NewKind("FCHM"), MinVersion: 1, MaxVersion: 1, TTL: TTLFeed},
}

func FeedChannelMetaKey(channel string) string { return fmt.Sprintf("dna:feed:%s:meta", channel) }

// FeedDayIndexEntry records that a post was published on a given day,
// for the per-category and "all" day indices.
type FeedDayIndexEntry struct {
	PostID      string `json:"post_id"`
	TimestampMS int64  `json:"timestamp_ms"`
}

func (e FeedDayIndexEntry) DedupKey() string      { return e.PostID }
func (e FeedDayIndexEntry) InnerTimestamp() int64 { return e.TimestampMS }

var FeedDayIndex = MultiWriter[FeedDayIndexEntry]{TTL: TTLFeed}

func FeedDayIndexKey(category, day string) string {
	return fmt.Sprintf("dna:feed:idx:%s:%s", category, day)
}

// FeedPost is a single post body.
type FeedPost struct {
	PostID    string `json:"post_id"`
	AuthorFP  string `json:"author_fp"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
}

var FeedPostKind = SingleWriter[FeedPost]{
	Kind: Kind{Magic: envelope.NewKind("FPST"), MinVersion: 1, MaxVersion: 2, TTL: TTLFeed},
}

func FeedPostKey(postID string) string { return fmt.Sprintf("dna:feed:post:%s", postID) }

// FeedCommentEntry is one comment on a post.
type FeedCommentEntry struct {
	CommentID   string `json:"comment_id"`
	PostID      string `json:"post_id"`
	AuthorFP    string `json:"author_fp"`
	Body        string `json:"body"`
	TimestampMS int64  `json:"timestamp_ms"`
}

func (e FeedCommentEntry) DedupKey() string      { return e.CommentID }
func (e FeedCommentEntry) InnerTimestamp() int64 { return e.TimestampMS }

var FeedComments = MultiWriter[FeedCommentEntry]{TTL: TTLFeed}

func FeedCommentsKey(postID string) string { return fmt.Sprintf("dna:feed:post:%s:comments", postID) }

// FeedVoteEntry is one vote on a post or comment.
type FeedVoteEntry struct {
	VoterFP     string `json:"voter_fp"`
	TargetID    string `json:"target_id"`
	Value       int    `json:"value"`
	TimestampMS int64  `json:"timestamp_ms"`
}

func (e FeedVoteEntry) DedupKey() string      { return e.VoterFP + ":" + e.TargetID }
func (e FeedVoteEntry) InnerTimestamp() int64 { return e.TimestampMS }

var FeedVotes = MultiWriter[FeedVoteEntry]{TTL: TTLFeed}

func FeedVotesKey(kind, id string) string { return fmt.Sprintf("dna:feed:%s:%s:votes", kind, id) }

// WallContributorEntry names one identity that has posted to a wall.
type WallContributorEntry struct {
	Fingerprint string `json:"fingerprint"`
}

func (e WallContributorEntry) DedupKey() string      { return e.Fingerprint }
func (e WallContributorEntry) InnerTimestamp() int64 { return 0 }

var WallContributors = MultiWriter[WallContributorEntry]{TTL: TTLWall}

func WallContributorsKey(wall string) string { return fmt.Sprintf("%s:wall:contributors", wall) }

// WallPost is one entry in a poster's wall bucket.
type WallPost struct {
	PostID    string `json:"post_id"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
}

// WallPosterBucket carries every post one identity has made to a wall.
type WallPosterBucket struct {
	PosterFP string     `json:"poster_fp"`
	Posts    []WallPost `json:"posts"`
}

var WallPosterBucketKind = SingleWriter[WallPosterBucket]{
	Kind: Kind{Magic: envelope.NewKind("WALL"), MinVersion: 1, MaxVersion: 1, TTL: TTLWall},
}

func WallPosterBucketKey(wall, posterFP string) string {
	return fmt.Sprintf("%s:wall:%s", wall, posterFP)
}

// IdentityBackupKey is the key rule for identity backup:
// `<fp>:dht_identity`.
func IdentityBackupKey(fingerprint string) string { return fingerprint + ":dht_identity" }

// IdentityBackup implements the one kind that skips the envelope
// entirely: the stored value is the bare concatenation
// `{KEM_ct(1568), aead_iv(12), aead_tag(16), aead_ct}` with no magic,
// version, timestamp, expiry or outer signature field. The chunked
// transport signs each chunk, but chunked.Fetch does not verify those
// signatures; on read, the only integrity check is the AES-GCM tag
// that selfenc.Decrypt authenticates.
type IdentityBackup struct{}

// Publish encrypts the exported identity bytes for recipientKEMPub and
// stores them under kdf(IdentityBackupKey(fingerprint)).
func (IdentityBackup) Publish(ctx context.Context, cc *corectx.Context, fingerprint string, recipientKEMPub []byte, exported []byte, now time.Time) error {
	sealed, err := selfenc.Encrypt(recipientKEMPub, cc.Identity.SignPriv, exported, now.Unix())
	if err != nil {
		return fmt.Errorf("statekind: sealing identity backup: %w", err)
	}
	return chunked.Publish(ctx, cc.Store, cc.Identity, IdentityBackupKey(fingerprint), sealed.Ciphertext, TTLIdentityBackup)
}

// Fetch recovers and imports the identity backed up under
// fingerprint. The recovered fingerprint is not checked against the
// requested one here; callers validate that, since a stale or foreign
// KEM key simply fails to decrypt.
func (IdentityBackup) Fetch(ctx context.Context, cc *corectx.Context, fingerprint string, recipientKEMPriv []byte) (identity.Identity, error) {
	ciphertext, err := chunked.Fetch(ctx, cc.Store, IdentityBackupKey(fingerprint), cc.ChunkDeadline, cc.ChunkFanOut)
	if err != nil {
		return identity.Identity{}, err
	}
	plaintext, err := selfenc.Decrypt(recipientKEMPriv, ciphertext)
	if err != nil {
		return identity.Identity{}, err
	}
	return identity.Import(plaintext)
}
