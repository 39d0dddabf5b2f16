package config

import (
	"fmt"
)

// ChannelKeyStruct builds Redis PubSub channel names.
type ChannelKeyStruct struct{}

func NewChannelKeyStruct() *ChannelKeyStruct {
	return &ChannelKeyStruct{}
}

// TestMonitorChannel returns the Redis PubSub channel name for a test's monitor feed
func (r *ChannelKeyStruct) TestMonitorChannel(testID string) string {
	return fmt.Sprintf("test:%s:monitor", testID)
}

var ChannelKey = NewChannelKeyStruct()
