package client

import (
	"context"
	"fmt"

	"github.com/studyloop/pulse/pkg/models"
	"github.com/studyloop/pulse/pkg/wire"
)

// RequestHelp asks targetID for help, or every available tutor when
// targetID is wire.HelpTargetBroadcast. The error carries the relay's
// nack code when the target is unreachable.
func (c *Client) RequestHelp(ctx context.Context, targetID, subject, message string, urgency models.Priority) error {
	env, err := wire.NewEnvelope(wire.KindHelpRequest, "", wire.HelpRequest{
		TargetID: targetID,
		Subject:  subject,
		Message:  message,
		Urgency:  urgency,
	})
	if err != nil {
		return err
	}
	ack, err := c.Call(ctx, env)
	if err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("help request: %s: %s", ack.Code, ack.Message)
	}
	return nil
}
