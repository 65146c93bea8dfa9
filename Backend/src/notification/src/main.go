package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Colaborador de entrega: consume los eventos de reserva y los convierte en
// avisos al socio. Aquí la "entrega" es el log; push/email/SMS se enchufarían
// en deliver sin tocar el consumo.
func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := LoadConfig()
	log.Info().Str("rabbit", cfg.RabbitURL).Str("queue", cfg.Queue).Msg("starting notification service")

	rabbit, err := NewRabbit(cfg.RabbitURL, cfg.Exchange)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit connect")
	}
	defer rabbit.Close()

	err = rabbit.ConsumeTopic(cfg.Queue, cfg.ConsumerTag, []string{"reservation.#"}, handleEvent)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}
	log.Info().Msg("consuming reservation events")

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	log.Warn().Msg("shutting down...")
}

func handleEvent(rk string, body []byte) error {
	var env struct {
		EventEnvelope
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		log.Error().Err(err).Str("rk", rk).Msg("invalid envelope")
		return nil // descartar, no hay nada que reintentar
	}

	switch rk {
	case RKReservationCreated:
		var p ReservationCreatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		deliver(p.MemberID, "reserva creada", env.EventID, map[string]any{
			"reservation": p.ReservationID, "title": p.TitleID,
			"pickup_before": time.Unix(p.ExpiresUnix, 0).UTC().Format(time.RFC3339),
		})
	case RKReservationUpdated:
		var p ReservationUpdatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		deliver(p.MemberID, "reserva "+p.Status, env.EventID, map[string]any{
			"reservation": p.ReservationID, "title": p.TitleID,
		})
	case RKReservationExpiringSoon:
		var p ReservationExpiringSoonPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		deliver(p.MemberID, "tu reserva está por vencer", env.EventID, map[string]any{
			"reservation": p.ReservationID, "title": p.TitleID,
			"expires_at": time.Unix(p.ExpiresUnix, 0).UTC().Format(time.RFC3339),
		})
	default:
		log.Debug().Str("rk", rk).Msg("event ignored")
	}
	return nil
}

func deliver(memberID int64, subject, eventID string, fields map[string]any) {
	ev := log.Info().Int64("member", memberID).Str("event_id", eventID).Str("subject", subject)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg("notify")
}
