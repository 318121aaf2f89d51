// Package kafka produces gateway and device events to a Kafka topic.
//
// Messages are keyed by gateway id and partitioned with a hash balancer, so
// events from one gateway stay ordered within their partition.
//
// Usage:
//
//	w, err := kafka.NewWriter(cfg.Kafka)
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//
//	err = w.Publish(ctx, "gw-1", payload, map[string]string{"type": "device.added"})
package kafka
