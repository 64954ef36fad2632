package auth

import (
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// Strava OAuth endpoints
	AuthURL  = "https://www.strava.com/oauth/authorize"
	TokenURL = "https://www.strava.com/oauth/token"
)

// Scopes required for syncing (Strava uses comma-separated scopes)
var Scopes = []string{
	"read,profile:read_all,activity:read_all",
}

// Config holds the OAuth client credentials
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string // e.g., "http://localhost:8089/callback"
	TokenURL     string // defaults to TokenURL
}

// NewOAuthConfig creates an oauth2.Config from our Config
func NewOAuthConfig(cfg Config) *oauth2.Config {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  AuthURL,
			TokenURL: tokenURL,
			// Strava expects client_id and client_secret as form fields
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: cfg.RedirectURL,
		Scopes:      Scopes,
	}
}

// TokenAthlete is the athlete summary Strava embeds in the code exchange response
type TokenAthlete struct {
	ID        int64
	Firstname string
	Lastname  string
}

// DisplayName returns "firstname lastname", or the id when both are empty
func (a *TokenAthlete) DisplayName() string {
	switch {
	case a.Firstname != "" && a.Lastname != "":
		return a.Firstname + " " + a.Lastname
	case a.Firstname != "":
		return a.Firstname
	case a.Lastname != "":
		return a.Lastname
	}
	return fmt.Sprintf("athlete %d", a.ID)
}

// ExtractAthlete extracts the athlete from the token extras
// Strava includes athlete info in the authorization code response only
func ExtractAthlete(token *oauth2.Token) *TokenAthlete {
	athlete, ok := token.Extra("athlete").(map[string]interface{})
	if !ok {
		return nil
	}
	a := &TokenAthlete{}
	if id, ok := athlete["id"].(float64); ok {
		a.ID = int64(id)
	}
	a.Firstname, _ = athlete["firstname"].(string)
	a.Lastname, _ = athlete["lastname"].(string)
	return a
}
