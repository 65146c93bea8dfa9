package main

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TitleCache es una caché de lectura para la proyección de disponibilidad que
// sirve la API de títulos. No es autoritativa: TTL corto y se invalida en cada
// transición; la verdad vive en la tabla titles.
type TitleCache struct {
	lru *expirable.LRU[int64, *Title]
}

func NewTitleCache(ttl time.Duration) *TitleCache {
	return &TitleCache{lru: expirable.NewLRU[int64, *Title](256, nil, ttl)}
}

func (c *TitleCache) Get(id int64) (*Title, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(id)
}

func (c *TitleCache) Put(t *Title) {
	if c == nil {
		return
	}
	c.lru.Add(t.ID, t)
}

func (c *TitleCache) Invalidate(id int64) {
	if c == nil {
		return
	}
	c.lru.Remove(id)
}
