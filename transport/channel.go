package transport

import (
	"fmt"

	"github.com/google/uuid"
)

const namePrefix = "winusbinstall-"

// NewChannelName returns a fresh, unguessable channel name. Names are never reused:
// each one embeds a random (version 4) UUID.
func NewChannelName() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating channel id: %w", err)
	}
	return channelName(id.String()), nil
}
