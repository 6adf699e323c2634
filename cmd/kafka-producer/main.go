package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"github.com/warlog-ledger/internal/kafka"
)

// publish queues one envelope keyed by its kind
func publish(producer sarama.AsyncProducer, topic string, msg kafka.Message, done <-chan struct{}) error {
	key, value, err := msg.Encode()
	if err != nil {
		return err
	}

	select {
	case producer.Input() <- &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}:
	case <-done:
	}
	return nil
}

// replay publishes every message of a JSON lines file in order
func replay(producer sarama.AsyncProducer, topic, path string, done <-chan struct{}) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening replay file: %w", err)
	}
	defer f.Close()

	sent := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		msg, err := kafka.DecodeMessage([]byte(text))
		if err != nil {
			return sent, fmt.Errorf("line %d: %w", line, err)
		}
		if err := publish(producer, topic, msg, done); err != nil {
			return sent, fmt.Errorf("line %d: %w", line, err)
		}
		sent++
	}
	return sent, scanner.Err()
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "warlog-ingest", "Kafka topic")
	replayPath := flag.String("replay", "", "Publish the messages of a JSON lines file and exit")
	guilds := flag.Int("guilds", 12, "Number of simulated guilds")
	territories := flag.Int("territories", 60, "Number of simulated territories")
	servers := flag.Int("servers", 8, "Number of simulated war servers")
	playersPerGuild := flag.Int("players", 20, "Players per simulated guild")
	interval := flag.Duration("interval", 2*time.Second, "Time between observations")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed for the simulated world")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  War Ledger Ingestion Feeder")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:          %s\n", *brokers)
	fmt.Printf("  Topic:            %s\n", *topic)
	if *replayPath != "" {
		fmt.Printf("  Replay:           %s\n", *replayPath)
	} else {
		fmt.Printf("  Guilds:           %d\n", *guilds)
		fmt.Printf("  Territories:      %d\n", *territories)
		fmt.Printf("  War servers:      %d\n", *servers)
		fmt.Printf("  Interval:         %s\n", *interval)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	// Create producer
	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	// Handle producer errors and successes
	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	done := make(chan struct{})
	shutdown := func(reason string) {
		fmt.Printf("\n%s\n", reason)
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("\n✓ Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	if *replayPath != "" {
		n, err := replay(producer, *topic, *replayPath, done)
		if err != nil {
			log.Printf("Replay stopped after %d messages: %v", n, err)
		}
		shutdown(fmt.Sprintf("Replayed %d messages", n))
		return
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	w := newWorld(*seed, *guilds, *territories, *servers, *playersPerGuild)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var observations int64
	for {
		select {
		case <-sigChan:
			shutdown("Shutting down...")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				shutdown("Duration reached, shutting down...")
				return
			}

			// every tick observes the war servers; territories and guilds alternate
			now := time.Now().UTC()
			msgs := []kafka.Message{kafka.NewWarServersMessage(w.warServers(), now)}
			if observations%2 == 0 {
				msgs = append(msgs, kafka.NewTerritoryMessage(w.territorySnapshot(), now))
			} else {
				msgs = append(msgs, kafka.NewGuildSnapshotMessage(w.guildSnapshot(), now))
			}
			for _, msg := range msgs {
				if err := publish(producer, *topic, msg, done); err != nil {
					log.Printf("Failed to publish %s: %v", msg.Kind, err)
				}
			}
			observations++

		case <-statsTicker.C:
			fmt.Printf("[%s] Observations: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				observations,
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
