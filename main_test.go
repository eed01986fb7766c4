package main

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-shortener/auth"
	"quota-shortener/config"
	"quota-shortener/db"
)

func TestOpenStore_Memory(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "memory"

	store, users, ping, closeStore := openStore(cfg, zerolog.Nop())
	defer closeStore()

	require.IsType(t, &db.MemoryStore{}, store)
	assert.Same(t, store, users, "links and users share one store")
	assert.Nil(t, ping)
}

func TestOpenRevocationList_WithoutRedis(t *testing.T) {
	cfg := config.GetDefaultConfig()

	revoked := openRevocationList(context.Background(), cfg, zerolog.Nop())
	assert.IsType(t, &auth.MemoryRevocationList{}, revoked)
}
