package model

// ChannelPage is a server-authoritative channel snapshot: the channel
// record plus its current messages, members, and read markers. Returned by
// channel queries and consumed by recovery refreshes.
type ChannelPage struct {
	Channel  Channel   `json:"channel"`
	Messages []Message `json:"messages"`
	Members  []Member  `json:"members"`
	Reads    []Read    `json:"read"`
}
