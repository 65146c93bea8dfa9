package main

import "time"

// CooldownPolicy es datos (tabla ordenada de duraciones) más una función pura.
// El castigo sólo se aplica al vencer un hold abandonado, nunca al cancelar
// ni al rechazar.
type CooldownPolicy struct {
	Stages []time.Duration
}

func NewCooldownPolicy(stages []time.Duration) CooldownPolicy {
	if len(stages) == 0 {
		stages = []time.Duration{10 * time.Minute}
	}
	return CooldownPolicy{Stages: stages}
}

// Until devuelve el fin de la ventana para el intento fallido n (1-based);
// a partir de la última etapa el castigo queda plano.
func (p CooldownPolicy) Until(now time.Time, attempt int) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(p.Stages) {
		idx = len(p.Stages) - 1
	}
	return now.Add(p.Stages[idx])
}
