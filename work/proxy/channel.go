package proxy

import (
	"math/rand/v2"
)

// Channel is one logical channel of the published playlist, served by one or
// more server channels. It is immutable once published.
type Channel struct {
	id          string
	name        string
	logo        string
	groups      []string
	epgID       string
	catchupDays string
	members     []*ServerChannel
}

func (c *Channel) ID() string          { return c.id }
func (c *Channel) Name() string        { return c.name }
func (c *Channel) Logo() string        { return c.logo }
func (c *Channel) Groups() []string    { return c.groups }
func (c *Channel) EpgID() string       { return c.epgID }
func (c *Channel) CatchupDays() string { return c.catchupDays }

// Members returns the server channels that can serve this channel.
func (c *Channel) Members() []*ServerChannel {
	return c.members
}

// Acquire tries the members in a fresh random order and returns the first one
// that grants a slot, or nil when all are full or cooling down.
func (c *Channel) Acquire(userID string) *ServerChannel {
	for _, i := range rand.Perm(len(c.members)) {
		if sc := c.members[i]; sc.Acquire(userID) {
			return sc
		}
	}
	return nil
}

// addMember attaches sc unless it is already a member.
func (c *Channel) addMember(sc *ServerChannel) {
	for _, m := range c.members {
		if m == sc {
			return
		}
	}
	c.members = append(c.members, sc)
}
