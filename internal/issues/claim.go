package issues

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jeanhaley32/sapphire-bee/internal/constants"
)

// ErrClaimLost is returned when another worker's claim on the issue is earlier.
var ErrClaimLost = errors.New("issue claimed by another worker")

// DefaultLeaseTTL bounds how long a claim comment counts as live.
const DefaultLeaseTTL = 2 * time.Hour

var (
	claimRe   = regexp.MustCompile(`<!-- bee-claim worker=(\S+) nonce=([0-9a-fA-F-]{36}) -->`)
	releaseRe = regexp.MustCompile(`<!-- bee-release nonce=([0-9a-fA-F-]{36}) -->`)
)

// Claim is a won lease on an issue.
type Claim struct {
	Issue     int
	Worker    string
	Nonce     string
	CommentID int64
	At        time.Time
}

type claimComment struct {
	Worker    string
	Nonce     string
	CommentID int64
	At        time.Time
}

func claimBody(worker, nonce string) string {
	return fmt.Sprintf("<!-- bee-claim worker=%s nonce=%s -->\nClaimed by bee worker `%s`.", worker, nonce, worker)
}

// releaseMarker retires the claim with nonce so the issue can be claimed again
// once it is relabelled agent-ready.
func releaseMarker(nonce string) string {
	return fmt.Sprintf("<!-- bee-release nonce=%s -->", nonce)
}

func releasedNonces(comments []Comment) map[string]bool {
	released := make(map[string]bool)
	for _, c := range comments {
		for _, m := range releaseRe.FindAllStringSubmatch(c.Body, -1) {
			released[m[1]] = true
		}
	}
	return released
}

func parseClaim(c Comment) (claimComment, bool) {
	m := claimRe.FindStringSubmatch(c.Body)
	if m == nil {
		return claimComment{}, false
	}
	return claimComment{Worker: m[1], Nonce: m[2], CommentID: c.ID, At: c.CreatedAt}, true
}

// liveClaims returns unreleased claim comments younger than ttl, earliest
// first. Ties on GitHub's second-resolution timestamps fall back to the
// comment ID, which GitHub assigns monotonically.
func liveClaims(comments []Comment, now time.Time, ttl time.Duration) []claimComment {
	released := releasedNonces(comments)
	var claims []claimComment
	for _, c := range comments {
		cc, ok := parseClaim(c)
		if !ok || released[cc.Nonce] {
			continue
		}
		if ttl > 0 && now.Sub(cc.At) > ttl {
			continue
		}
		claims = append(claims, cc)
	}
	sort.Slice(claims, func(i, j int) bool {
		if !claims[i].At.Equal(claims[j].At) {
			return claims[i].At.Before(claims[j].At)
		}
		return claims[i].CommentID < claims[j].CommentID
	})
	return claims
}

// Claimer runs the claim protocol for one worker.
type Claimer struct {
	Client   *Client
	Worker   string
	LeaseTTL time.Duration
	Now      func() time.Time
}

func (c *Claimer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Claimer) ttl() time.Duration {
	if c.LeaseTTL > 0 {
		return c.LeaseTTL
	}
	return DefaultLeaseTTL
}

// Claim posts a claim comment with a fresh nonce, then re-reads the issue's
// comments. The earliest live claim wins; the winner moves the issue from
// agent-ready to in-progress, and a loser deletes its own comment and returns
// ErrClaimLost.
func (c *Claimer) Claim(ctx context.Context, number int) (*Claim, error) {
	nonce := uuid.NewString()
	mine, err := c.Client.CreateComment(ctx, number, claimBody(c.Worker, nonce))
	if err != nil {
		return nil, fmt.Errorf("post claim on #%d: %w", number, err)
	}

	comments, err := c.Client.ListComments(ctx, number)
	if err != nil {
		c.withdraw(ctx, mine.ID)
		return nil, fmt.Errorf("list comments on #%d: %w", number, err)
	}
	if !containsComment(comments, mine.ID) {
		comments = append(comments, *mine)
	}

	claims := liveClaims(comments, c.now(), c.ttl())
	if len(claims) == 0 || claims[0].Nonce != nonce {
		c.withdraw(ctx, mine.ID)
		return nil, ErrClaimLost
	}

	if err := c.Client.AddLabels(ctx, number, constants.LabelInProgress); err != nil {
		c.withdraw(ctx, mine.ID)
		return nil, fmt.Errorf("label #%d in-progress: %w", number, err)
	}
	if err := c.Client.RemoveLabel(ctx, number, constants.LabelReady); err != nil {
		return nil, fmt.Errorf("unlabel #%d agent-ready: %w", number, err)
	}
	return &Claim{Issue: number, Worker: c.Worker, Nonce: nonce, CommentID: mine.ID, At: mine.CreatedAt}, nil
}

// Withdraw deletes a won claim's comment. Used when the release marker could
// not be posted with the result.
func (c *Claimer) Withdraw(ctx context.Context, claim *Claim) error {
	return c.Client.DeleteComment(context.WithoutCancel(ctx), claim.CommentID)
}

func (c *Claimer) withdraw(ctx context.Context, id int64) {
	_ = c.Client.DeleteComment(context.WithoutCancel(ctx), id)
}

// ReleaseExpired returns in-progress issues whose newest claim is older than
// the lease TTL to agent-ready. It reports the issue numbers it released.
func (c *Claimer) ReleaseExpired(ctx context.Context) ([]int, error) {
	stuck, err := c.Client.ListIssues(ctx, constants.LabelInProgress)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var released []int
	for _, is := range stuck {
		if is.HasLabel(constants.LabelComplete) || is.HasLabel(constants.LabelFailed) {
			continue
		}
		comments, err := c.Client.ListComments(ctx, is.Number)
		if err != nil {
			return released, err
		}
		releasedSet := releasedNonces(comments)
		var newest time.Time
		for _, cm := range comments {
			if cc, ok := parseClaim(cm); ok && !releasedSet[cc.Nonce] && cc.At.After(newest) {
				newest = cc.At
			}
		}
		if newest.IsZero() || now.Sub(newest) <= c.ttl() {
			continue
		}
		if err := c.Client.AddLabels(ctx, is.Number, constants.LabelReady); err != nil {
			return released, err
		}
		if err := c.Client.RemoveLabel(ctx, is.Number, constants.LabelInProgress); err != nil {
			return released, err
		}
		released = append(released, is.Number)
	}
	return released, nil
}

func containsComment(comments []Comment, id int64) bool {
	for _, c := range comments {
		if c.ID == id {
			return true
		}
	}
	return false
}
