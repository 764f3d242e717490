package main

import (
	"crypto/tls"
	"flag"
	"log"
	"strings"

	"github.com/wneessen/go-mail"
)

func main() {
	host := flag.String("host", "localhost", "SMTP server host")
	port := flag.Int("port", 2525, "SMTP server port")
	from := flag.String("from", "peter@otherdomain.com", "envelope sender")
	to := flag.String("to", "oliver@localhost", "comma separated recipients")
	subject := flag.String("subject", "Hello from the test client", "message subject")
	body := flag.String("body", "This is a test mail.", "message body")
	starttls := flag.Bool("starttls", false, "upgrade the connection with STARTTLS if offered")
	insecure := flag.Bool("insecure", false, "skip certificate verification")
	flag.Parse()

	// First we create a mail message
	m := mail.NewMsg()
	if err := m.From(*from); err != nil {
		log.Fatalf("failed to set From address: %s", err)
	}
	if err := m.To(strings.Split(*to, ",")...); err != nil {
		log.Fatalf("failed to set To address: %s", err)
	}
	m.Subject(*subject)
	m.SetBodyString(mail.TypeTextPlain, *body)

	// Secondly the mail client
	policy := mail.NoTLS
	if *starttls {
		policy = mail.TLSOpportunistic
	}
	c, err := mail.NewClient(
		*host,
		mail.WithPort(*port),
		mail.WithTLSPolicy(policy),
		mail.WithTLSConfig(&tls.Config{
			ServerName:         *host,
			InsecureSkipVerify: *insecure,
		}),
	)
	if err != nil {
		log.Fatalf("failed to create mail client: %s", err)
	}

	// Finally let's send out the mail
	if err := c.DialAndSend(m); err != nil {
		log.Fatalf("failed to send mail: %s", err)
	}
	log.Printf("sent %q to %s", *subject, *to)
}
