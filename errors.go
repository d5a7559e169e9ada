/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Failure modes of the Room/Session Manager. These are caught at the
// dispatch boundary and converted into failure acknowledgments for the
// original caller; they are never broadcast and never fatal.
var (
	errRoomExists       = errors.New("a room with that code already exists")
	errRoomNotFound     = errors.New("room not found")
	errAlreadyStarted   = errors.New("the game has already started")
	errNotEnoughPlayers = errors.New("at least two players are needed to start")
	errNoSongs          = errors.New("the song catalog is empty")
	errBadTransition    = errors.New("invalid state transition")
	errPlayerNotInRoom  = errors.New("player is not in this room")
	errBadScoreAmount   = errors.New("karaoke scores must be between 0 and 10")
	errNotHost          = errors.New("only the host can do that")
	errNotKaraoke       = errors.New("karaoke scoring only applies to the karaoke round")
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
