// Package dnaclient is the public façade over this module's internal
// packages: identity lifecycle, the state-kind pipelines and the
// listen/sync driver, assembled behind one Client so an application
// never has to wire internal/corectx, internal/chunked or
// internal/statekind by hand. One constructed service per concern,
// exposed through typed methods rather than package globals.
package dnaclient

import (
	"context"
	"time"

	"github.com/kindlyrobotics/dnaclient/internal/bootstrap"
	"github.com/kindlyrobotics/dnaclient/internal/corectx"
	"github.com/kindlyrobotics/dnaclient/internal/dht"
	"github.com/kindlyrobotics/dnaclient/internal/identity"
	"github.com/kindlyrobotics/dnaclient/internal/statekind"
	"github.com/kindlyrobotics/dnaclient/internal/sync"
	"github.com/kindlyrobotics/dnaclient/internal/syncstate"
)

// Client is the entry point an application embeds: one per local
// identity, holding the DHT store handed to it by the caller (the
// overlay itself is externally owned) plus this module's local
// caches.
type Client struct {
	cc    *corectx.Context
	sync  *sync.Driver
	state *syncstate.Store
	boot  *bootstrap.Cache
}

// Open constructs a Client over an already-generated identity and an
// already-connected DHT store. stateDBPath and bootstrapDBPath name
// the local SQLite files for internal/syncstate and internal/bootstrap
// respectively. An empty stateDBPath keeps the sync state purely in
// memory for the process lifetime (no persistence across restarts); an
// empty bootstrapDBPath opens no bootstrap cache at all, and Bootstrap
// then returns nil.
func Open(id identity.Identity, store dht.Store, stateDBPath, bootstrapDBPath string) (*Client, error) {
	cc := corectx.New(id, store)

	if stateDBPath == "" {
		stateDBPath = ":memory:"
	}
	state, err := syncstate.Open(stateDBPath, corectx.NewTaggedLogger("SyncState"))
	if err != nil {
		return nil, err
	}

	var boot *bootstrap.Cache
	if bootstrapDBPath != "" {
		boot, err = bootstrap.Open(bootstrapDBPath, corectx.NewTaggedLogger("Bootstrap"))
		if err != nil {
			state.Close()
			return nil, err
		}
	}

	return &Client{
		cc:    cc,
		sync:  sync.New(cc, state),
		state: state,
		boot:  boot,
	}, nil
}

// Close releases the Client's local database handles. It does not
// touch the DHT store, which the caller owns.
func (c *Client) Close() error {
	if c.boot != nil {
		if err := c.boot.Close(); err != nil {
			return err
		}
	}
	return c.state.Close()
}

// Identity returns the local identity this Client operates as.
func (c *Client) Identity() identity.Identity { return c.cc.Identity }

// Bootstrap exposes the bootstrap-node cache, or nil if Open was
// called without a bootstrapDBPath.
func (c *Client) Bootstrap() *bootstrap.Cache { return c.boot }

// SyncDriver exposes the listen/sync driver for callers that need
// direct subscribe/unsubscribe/day-rotation control beyond the
// per-kind convenience methods below.
func (c *Client) SyncDriver() *sync.Driver { return c.sync }

// Context exposes the underlying corectx.Context for callers that need
// to drive a statekind.Kind this façade has no dedicated method for
// (e.g. a future application-specific adapter built the same way the
// kinds in internal/statekind are).
func (c *Client) Context() *corectx.Context { return c.cc }

// PublishContactList encrypts and stores the caller's contact list for
// recipientKEMPub (ordinarily the caller's own KEM public key, so only
// the caller's other devices can read it back).
func (c *Client) PublishContactList(ctx context.Context, recipientKEMPub []byte, entries []statekind.ContactListEntry) error {
	return statekind.ContactList.Publish(ctx, c.cc, c.cc.Identity.Fingerprint()+":contactlist", recipientKEMPub, entries, time.Now())
}

// FetchContactList recovers a previously published contact list.
func (c *Client) FetchContactList(ctx context.Context, ownerFingerprint string, recipientKEMPriv, ownerSignPub []byte) ([]statekind.ContactListEntry, error) {
	personal := ownerFingerprint == c.cc.Identity.Fingerprint()
	return statekind.ContactList.Fetch(ctx, c.cc, ownerFingerprint+":contactlist", recipientKEMPriv, ownerSignPub, time.Now(), personal)
}

// PublishAddressBook encrypts and stores the caller's address book.
func (c *Client) PublishAddressBook(ctx context.Context, recipientKEMPub []byte, entries []statekind.AddressBookEntry) error {
	return statekind.AddressBook.Publish(ctx, c.cc, c.cc.Identity.Fingerprint()+":addressbook", recipientKEMPub, entries, time.Now())
}

// FetchAddressBook recovers a previously published address book.
func (c *Client) FetchAddressBook(ctx context.Context, ownerFingerprint string, recipientKEMPriv, ownerSignPub []byte) ([]statekind.AddressBookEntry, error) {
	personal := ownerFingerprint == c.cc.Identity.Fingerprint()
	return statekind.AddressBook.Fetch(ctx, c.cc, ownerFingerprint+":addressbook", recipientKEMPriv, ownerSignPub, time.Now(), personal)
}

// PublishMessageBackup archives the caller's message history.
func (c *Client) PublishMessageBackup(ctx context.Context, recipientKEMPub []byte, entries []statekind.MessageBackupEntry) error {
	return statekind.MessageBackup.Publish(ctx, c.cc, c.cc.Identity.Fingerprint()+":message_backup", recipientKEMPub, entries, time.Now())
}

// FetchMessageBackup recovers a previously archived message history.
func (c *Client) FetchMessageBackup(ctx context.Context, ownerFingerprint string, recipientKEMPriv, ownerSignPub []byte) ([]statekind.MessageBackupEntry, error) {
	personal := ownerFingerprint == c.cc.Identity.Fingerprint()
	return statekind.MessageBackup.Fetch(ctx, c.cc, ownerFingerprint+":message_backup", recipientKEMPriv, ownerSignPub, time.Now(), personal)
}

// PublishGroupOutboxMessage appends one message to groupID's outbox
// for the UTC day of when.
func (c *Client) PublishGroupOutboxMessage(ctx context.Context, groupID string, when time.Time, entry statekind.GroupDayOutboxEntry) error {
	day := when.UTC().Unix() / 86400
	return statekind.GroupDayOutbox.Publish(ctx, c.cc, statekind.GroupDayOutboxKey(groupID, day), entry)
}

// FetchGroupOutboxDay returns every writer's message in groupID's
// outbox for the given UTC day, deduplicated and in send order.
func (c *Client) FetchGroupOutboxDay(ctx context.Context, groupID string, day int64) ([]statekind.GroupDayOutboxEntry, error) {
	return statekind.GroupDayOutbox.FetchAll(ctx, c.cc, statekind.GroupDayOutboxKey(groupID, day))
}

// BackupIdentity publishes an encrypted export of the caller's
// identity so another device can recover it.
func (c *Client) BackupIdentity(ctx context.Context, recipientKEMPub []byte) error {
	exported, err := identity.Export(c.cc.Identity)
	if err != nil {
		return err
	}
	var backup statekind.IdentityBackup
	return backup.Publish(ctx, c.cc, c.cc.Identity.Fingerprint(), recipientKEMPub, exported, time.Now())
}

// RecoverIdentity fetches and imports an identity previously stored by
// BackupIdentity for fingerprint.
func (c *Client) RecoverIdentity(ctx context.Context, fingerprint string, recipientKEMPriv []byte) (identity.Identity, error) {
	var backup statekind.IdentityBackup
	return backup.Fetch(ctx, c.cc, fingerprint, recipientKEMPriv)
}

// PublishGroupList encrypts and stores the caller's list of group
// memberships.
func (c *Client) PublishGroupList(ctx context.Context, recipientKEMPub []byte, entries []statekind.GroupListEntry) error {
	return statekind.GroupList.Publish(ctx, c.cc, c.cc.Identity.Fingerprint()+":grouplist", recipientKEMPub, entries, time.Now())
}

// FetchGroupList recovers a previously published group list.
func (c *Client) FetchGroupList(ctx context.Context, ownerFingerprint string, recipientKEMPriv, ownerSignPub []byte) ([]statekind.GroupListEntry, error) {
	personal := ownerFingerprint == c.cc.Identity.Fingerprint()
	return statekind.GroupList.Fetch(ctx, c.cc, ownerFingerprint+":grouplist", recipientKEMPriv, ownerSignPub, time.Now(), personal)
}

// PublishGEKs encrypts and stores the caller's group encryption keys.
func (c *Client) PublishGEKs(ctx context.Context, recipientKEMPub []byte, entries []statekind.GroupEncryptionKey) error {
	return statekind.GEKs.Publish(ctx, c.cc, c.cc.Identity.Fingerprint()+":geks", recipientKEMPub, entries, time.Now())
}

// FetchGEKs recovers a previously published set of group encryption keys.
func (c *Client) FetchGEKs(ctx context.Context, ownerFingerprint string, recipientKEMPriv, ownerSignPub []byte) ([]statekind.GroupEncryptionKey, error) {
	personal := ownerFingerprint == c.cc.Identity.Fingerprint()
	return statekind.GEKs.Fetch(ctx, c.cc, ownerFingerprint+":geks", recipientKEMPriv, ownerSignPub, time.Now(), personal)
}

// PublishFeedRegistry stores the shared list of known feed channels.
// The registry is a single-writer kind: in practice one curating
// identity owns "dna:feed:registry" and other readers fetch it.
func (c *Client) PublishFeedRegistry(ctx context.Context, recipientKEMPub []byte, reg statekind.FeedRegistry) error {
	return statekind.FeedRegistryKind.Publish(ctx, c.cc, statekind.FeedRegistryKey, recipientKEMPub, reg, time.Now())
}

// FetchFeedRegistry recovers the feed registry published by ownerSignPub.
func (c *Client) FetchFeedRegistry(ctx context.Context, recipientKEMPriv, ownerSignPub []byte) (statekind.FeedRegistry, error) {
	return statekind.FeedRegistryKind.Fetch(ctx, c.cc, statekind.FeedRegistryKey, recipientKEMPriv, ownerSignPub, time.Now(), false)
}

// PublishFeedChannelMeta stores a feed channel's title/description.
func (c *Client) PublishFeedChannelMeta(ctx context.Context, recipientKEMPub []byte, meta statekind.FeedChannelMeta) error {
	return statekind.FeedChannelMetaKind.Publish(ctx, c.cc, statekind.FeedChannelMetaKey(meta.Channel), recipientKEMPub, meta, time.Now())
}

// FetchFeedChannelMeta recovers a feed channel's metadata.
func (c *Client) FetchFeedChannelMeta(ctx context.Context, channel string, recipientKEMPriv, ownerSignPub []byte) (statekind.FeedChannelMeta, error) {
	return statekind.FeedChannelMetaKind.Fetch(ctx, c.cc, statekind.FeedChannelMetaKey(channel), recipientKEMPriv, ownerSignPub, time.Now(), false)
}

// PublishFeedPost stores a single post body under its own key.
func (c *Client) PublishFeedPost(ctx context.Context, recipientKEMPub []byte, post statekind.FeedPost) error {
	return statekind.FeedPostKind.Publish(ctx, c.cc, statekind.FeedPostKey(post.PostID), recipientKEMPub, post, time.Now())
}

// FetchFeedPost recovers a post by ID.
func (c *Client) FetchFeedPost(ctx context.Context, postID string, recipientKEMPriv, authorSignPub []byte) (statekind.FeedPost, error) {
	return statekind.FeedPostKind.Fetch(ctx, c.cc, statekind.FeedPostKey(postID), recipientKEMPriv, authorSignPub, time.Now(), false)
}

// RecordFeedDayIndexEntry registers postID as published on the given
// UTC yyyymmdd-style day string, under category (or "all").
func (c *Client) RecordFeedDayIndexEntry(ctx context.Context, category, day string, entry statekind.FeedDayIndexEntry) error {
	return statekind.FeedDayIndex.Publish(ctx, c.cc, statekind.FeedDayIndexKey(category, day), entry)
}

// FetchFeedDayIndex returns every writer's contribution to a feed day
// index, deduplicated by post ID and sorted oldest first.
func (c *Client) FetchFeedDayIndex(ctx context.Context, category, day string) ([]statekind.FeedDayIndexEntry, error) {
	return statekind.FeedDayIndex.FetchAll(ctx, c.cc, statekind.FeedDayIndexKey(category, day))
}

// PublishFeedComment appends a comment to postID's comment thread.
// Callers should also touch the parent post to refresh its TTL; see
// internal/republish.Touch.
func (c *Client) PublishFeedComment(ctx context.Context, postID string, entry statekind.FeedCommentEntry) error {
	return statekind.FeedComments.Publish(ctx, c.cc, statekind.FeedCommentsKey(postID), entry)
}

// FetchFeedComments returns every writer's comment on postID,
// deduplicated by comment ID and sorted oldest first.
func (c *Client) FetchFeedComments(ctx context.Context, postID string) ([]statekind.FeedCommentEntry, error) {
	return statekind.FeedComments.FetchAll(ctx, c.cc, statekind.FeedCommentsKey(postID))
}

// PublishFeedVote casts or updates the caller's vote on a post or
// comment. kind is "post" or "comment".
func (c *Client) PublishFeedVote(ctx context.Context, kind, targetID string, entry statekind.FeedVoteEntry) error {
	return statekind.FeedVotes.Publish(ctx, c.cc, statekind.FeedVotesKey(kind, targetID), entry)
}

// FetchFeedVotes returns every writer's vote on a post or comment,
// deduplicated by voter.
func (c *Client) FetchFeedVotes(ctx context.Context, kind, targetID string) ([]statekind.FeedVoteEntry, error) {
	return statekind.FeedVotes.FetchAll(ctx, c.cc, statekind.FeedVotesKey(kind, targetID))
}

// RecordWallContributor registers the caller as a contributor to
// wall, so readers can enumerate every poster without scanning every
// possible fingerprint.
func (c *Client) RecordWallContributor(ctx context.Context, wall string) error {
	return statekind.WallContributors.Publish(ctx, c.cc, statekind.WallContributorsKey(wall), statekind.WallContributorEntry{
		Fingerprint: c.cc.Identity.Fingerprint(),
	})
}

// FetchWallContributors lists every identity that has contributed to wall.
func (c *Client) FetchWallContributors(ctx context.Context, wall string) ([]statekind.WallContributorEntry, error) {
	return statekind.WallContributors.FetchAll(ctx, c.cc, statekind.WallContributorsKey(wall))
}

// PublishWallPosterBucket stores the caller's full set of posts to wall.
func (c *Client) PublishWallPosterBucket(ctx context.Context, recipientKEMPub []byte, wall string, bucket statekind.WallPosterBucket) error {
	return statekind.WallPosterBucketKind.Publish(ctx, c.cc, statekind.WallPosterBucketKey(wall, bucket.PosterFP), recipientKEMPub, bucket, time.Now())
}

// FetchWallPosterBucket recovers one poster's bucket on wall.
func (c *Client) FetchWallPosterBucket(ctx context.Context, wall, posterFP string, recipientKEMPriv, posterSignPub []byte) (statekind.WallPosterBucket, error) {
	return statekind.WallPosterBucketKind.Fetch(ctx, c.cc, statekind.WallPosterBucketKey(wall, posterFP), recipientKEMPriv, posterSignPub, time.Now(), false)
}
