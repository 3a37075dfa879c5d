package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	FLAGS_broker    string
	FLAGS_topicName string
	FLAGS_duration  int
	FLAGS_rate      int
	FLAGS_eventsNum int
)

func init() {
	logLevel := os.Getenv("LOG_LEVEL")
	if level, err := zerolog.ParseLevel(logLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

type product struct {
	name     string
	category string
}

var products = []product{
	{"iPhone 15 Pro", "Electronics"}, {"Samsung Galaxy S24", "Electronics"},
	{"MacBook Pro", "Electronics"}, {"Dell XPS", "Electronics"},
	{"Nike Air Max", "Fashion"}, {"Adidas Ultraboost", "Fashion"},
	{"Levi's Jeans", "Fashion"}, {"Zara Jacket", "Fashion"},
	{"Vitamins", "Health"}, {"Protein Whey", "Health"},
	{"Python Book", "Books"}, {"AI Book", "Books"},
	{"Premium Coffee", "Food"}, {"Acai Bowl", "Food"},
}

var paymentMethods = []string{"credit_card", "debit_card", "pix", "paypal", "crypto"}

type location struct {
	state string
	city  string
}

var locations = []location{
	{"CA", "Los Angeles"}, {"NY", "New York"}, {"TX", "Houston"},
	{"FL", "Miami"}, {"IL", "Chicago"}, {"WA", "Seattle"},
	{"MA", "Boston"}, {"CO", "Denver"}, {"GA", "Atlanta"}, {"OR", "Portland"},
}

var deviceTypes = []string{"mobile", "desktop", "tablet"}

var highRiskIPs = []string{"192.168.100.666", "10.0.0.999", "172.16.255.255"}

func amountFor(category string) float64 {
	var amount float64
	switch category {
	case "Electronics":
		amount = 800 + rand.Float64()*7200
	case "Fashion":
		amount = 50 + rand.Float64()*450
	case "Health":
		amount = 30 + rand.Float64()*270
	default:
		amount = 20 + rand.Float64()*180
	}
	if rand.Float64() < 0.15 {
		amount = 5000 + rand.Float64()*15000
	}
	return float64(int(amount*100)) / 100
}

func randomIP(suspicious bool) string {
	if suspicious && rand.Float64() < 0.3 {
		return highRiskIPs[rand.Intn(len(highRiskIPs))]
	}
	return fmt.Sprintf("%d.%d.%d.%d", 1+rand.Intn(255), 1+rand.Intn(255),
		1+rand.Intn(255), 1+rand.Intn(255))
}

// suspicious scores a transaction against the same heuristics the
// downstream fraud queries watch for, so the stream carries a realistic
// mix of flagged events.
func suspicious(amount float64, payment string, device string, ip string) bool {
	indicators := 0
	if amount > 5000 {
		indicators++
	}
	for _, risk := range highRiskIPs {
		if ip == risk {
			indicators += 2
		}
	}
	if payment == "crypto" && time.Now().Hour() < 6 {
		indicators++
	}
	if amount > 2000 && device == "mobile" && (payment == "crypto" || payment == "paypal") {
		indicators++
	}
	return indicators >= 2
}

func generateTransaction() (string, []byte, bool, error) {
	txnID := fmt.Sprintf("TXN%06d", 100000+rand.Intn(900000))
	userID := fmt.Sprintf("USER%04d", 1000+rand.Intn(9000))
	prod := products[rand.Intn(len(products))]
	amount := amountFor(prod.category)
	payment := paymentMethods[rand.Intn(len(paymentMethods))]
	loc := locations[rand.Intn(len(locations))]
	device := deviceTypes[rand.Intn(len(deviceTypes))]
	ip := randomIP(false)
	flagged := suspicious(amount, payment, device, ip)
	if flagged {
		ip = randomIP(true)
	}

	payload := gabs.New()
	payload.Set(txnID, "transaction_id")
	payload.Set(userID, "user_id")
	payload.Set(prod.name, "product_name")
	payload.Set(prod.category, "category")
	payload.Set(amount, "amount")
	payload.Set(time.Now().UTC().Format(time.RFC3339Nano), "timestamp")
	payload.Set(payment, "payment_method")
	payload.Set(loc.state, "state")
	payload.Set(loc.city, "city")
	payload.Set(device, "device_type")
	payload.Set(ip, "ip_address")
	payload.Set(flagged, "suspicious")
	if flagged {
		payload.Set(fmt.Sprintf("FRAUD DETECTED! Amount: $%.2f, IP: %s", amount, ip), "alert_message")
	} else {
		payload.Set("", "alert_message")
	}
	return txnID, payload.Bytes(), flagged, nil
}

func main() {
	flag.StringVar(&FLAGS_broker, "broker", "127.0.0.1", "")
	flag.StringVar(&FLAGS_topicName, "topicName", "ecommerce_transactions", "topic name")
	flag.IntVar(&FLAGS_duration, "duration", 10, "duration in minutes")
	flag.IntVar(&FLAGS_rate, "rate", 12, "transactions per minute")
	flag.IntVar(&FLAGS_eventsNum, "events_num", 0, "stop after this many events; 0 = unlimited")
	flag.Parse()

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":       FLAGS_broker,
		"go.produce.channel.size": 100000,
		"go.events.channel.size":  100000,
		"acks":                    "all",
		"linger.ms":               100,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("fail to create producer")
	}
	var replies int32
	go func() {
		for e := range p.Events() {
			if ev, ok := e.(*kafka.Message); ok && ev.TopicPartition.Error != nil {
				log.Error().Msgf("delivery failed: %v", ev.TopicPartition)
			}
			atomic.AddInt32(&replies, 1)
		}
	}()

	interval := time.Minute / time.Duration(FLAGS_rate)
	duration := time.Duration(FLAGS_duration) * time.Minute
	start := time.Now()
	total := 0
	flaggedTotal := 0
	for {
		if (duration != 0 && time.Since(start) > duration) ||
			(FLAGS_eventsNum != 0 && total >= FLAGS_eventsNum) {
			break
		}
		key, payload, flagged, err := generateTransaction()
		if err != nil {
			log.Fatal().Err(err).Msg("fail to generate transaction")
		}
		err = p.Produce(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &FLAGS_topicName, Partition: kafka.PartitionAny},
			Key:            []byte(key),
			Value:          payload,
		}, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("fail to produce")
		}
		total++
		if flagged {
			flaggedTotal++
		}
		if total%50 == 0 {
			log.Info().Int("total", total).Int("suspicious", flaggedTotal).
				Msg("generator progress")
		}
		time.Sleep(interval)
	}

	remaining := p.Flush(30 * 1000)
	for remaining != 0 {
		remaining = p.Flush(30 * 1000)
	}
	fmt.Fprintf(os.Stderr, "%d transactions produced (%d suspicious), %d acked\n",
		total, flaggedTotal, atomic.LoadInt32(&replies))
	p.Close()
}
