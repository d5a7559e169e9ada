/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

// Song is one entry in the content catalog. The URL points at the audio
// cue the host device plays; the server never touches the audio itself.
type Song struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	URL    string `json:"url,omitempty"`
}

//go:embed songs.json
var defaultSongs []byte

// loadSongs reads the catalog from path, or from the embedded default
// catalog when path is empty. An empty catalog is allowed; starting a
// round against one fails at that point instead.
func loadSongs(path string) ([]Song, error) {
	data := defaultSongs

	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	return parseSongs(data)
}

func parseSongs(data []byte) ([]Song, error) {
	var songs []Song
	if err := json.Unmarshal(data, &songs); err != nil {
		return nil, fmt.Errorf("invalid song catalog: %w", err)
	}

	seen := make(map[string]bool, len(songs))
	for _, s := range songs {
		if s.ID == "" {
			return nil, fmt.Errorf("song %q has no id", s.Title)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate song id %q", s.ID)
		}
		seen[s.ID] = true
	}

	return songs, nil
}
