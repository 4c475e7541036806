package connector

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/shubham-shewale/crypto-trade-stream/cmd/feed/internal/decoder"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/metrics"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/models"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/protocol"
)

// IngestFunc receives each decoded trade.
type IngestFunc func(ctx context.Context, rec models.TradeRecord)

// TradeHandler speaks the crypto trade protocol: subscribe on open, skip
// control frames, decode everything else and drop what does not decode.
type TradeHandler struct {
	token          string
	thresholdLevel int
	decoder        *decoder.Decoder
	ingest         IngestFunc
	logger         *zap.Logger
}

func NewTradeHandler(token string, thresholdLevel int, dec *decoder.Decoder, ingest IngestFunc, logger *zap.Logger) *TradeHandler {
	return &TradeHandler{
		token:          token,
		thresholdLevel: thresholdLevel,
		decoder:        dec,
		ingest:         ingest,
		logger:         logger,
	}
}

func (h *TradeHandler) OnOpen(ctx context.Context, s Sender) error {
	h.logger.Info("Subscribing to trade feed", zap.Int("threshold_level", h.thresholdLevel))
	return s.SendJSON(protocol.NewHandshake(h.token, h.thresholdLevel))
}

func (h *TradeHandler) OnMessage(ctx context.Context, msg []byte) {
	var frame protocol.TradeFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		metrics.DecodeErrors.WithLabelValues("malformed").Inc()
		h.logger.Warn("Dropping unparsable frame", zap.Error(err), zap.Int("bytes", len(msg)))
		return
	}

	switch frame.MessageType {
	case protocol.MessageTypeHeartbeat:
		h.logger.Debug("Heartbeat")
		return
	case protocol.MessageTypeInfo:
		fields := []zap.Field{zap.String("service", frame.Service)}
		if frame.Response != nil {
			fields = append(fields, zap.Int("code", frame.Response.Code), zap.String("message", frame.Response.Message))
		}
		h.logger.Info("Upstream info", fields...)
		return
	case protocol.MessageTypeError:
		fields := []zap.Field{}
		if frame.Response != nil {
			fields = append(fields, zap.Int("code", frame.Response.Code), zap.String("message", frame.Response.Message))
		}
		h.logger.Error("Upstream error frame", fields...)
		return
	}

	// anything that is not a known control frame carries trade data

	rec, err := h.decoder.DecodeFrame(frame)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(decoder.Kind(err)).Inc()
		h.logger.Warn("Dropping malformed trade", zap.Error(err), zap.ByteString("data", frame.Data))
		return
	}

	metrics.TradesIngested.Inc()
	h.ingest(ctx, rec)
}

func (h *TradeHandler) OnClose(err error) {
	h.logger.Info("Trade feed session closed", zap.Error(err))
}
