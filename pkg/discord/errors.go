// Copyright 2024-2026 Aiku AI

package discord

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/telehook/pkg/bridge"
)

// classify maps a discordgo REST error onto the bridge error taxonomy,
// preferring the JSON error code over the HTTP status when both are present.
// Errors with no REST information pass through unchanged so transient
// network failures stay transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return err
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownChannel,
			discordgo.ErrCodeUnknownWebhook,
			discordgo.ErrCodeUnknownMessage,
			discordgo.ErrCodeUnknownGuild:
			return fmt.Errorf("%w: %s", bridge.ErrNotFound, rest.Message.Message)
		case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return fmt.Errorf("%w: %s", bridge.ErrPermissionDenied, rest.Message.Message)
		case discordgo.ErrCodeMaximumNumberOfWebhooksReached:
			return fmt.Errorf("%w: %s", bridge.ErrQuotaExceeded, rest.Message.Message)
		}
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", bridge.ErrNotFound, rest.Error())
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", bridge.ErrPermissionDenied, rest.Error())
		}
	}
	return err
}
