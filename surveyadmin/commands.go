package main

import (
	"context"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/cfgpath"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
	cli "gopkg.in/urfave/cli.v1"

	confsurvey "github.com/confsurvey/confsurvey"
	"github.com/confsurvey/confsurvey/oracle"
	"github.com/confsurvey/confsurvey/survey"
)

var cmds = cli.Commands{
	{
		Name:   "keygen",
		Usage:  "generate a key pair and write it to a file",
		Action: keygen,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "out, o", Usage: "file to write the key to", Value: "key.toml"},
		},
	},
	{
		Name:   "setup",
		Usage:  "configure the service: admin key, aggregation key, oracle set",
		Action: setup,
		Flags: append(clientFlags(),
			cli.StringFlag{Name: "aggkey", Usage: "hex aggregation public key"},
			cli.StringFlag{Name: "oracles", Usage: "oracle config file (for the signer set)"},
			cli.IntFlag{Name: "threshold, t", Usage: "attestation threshold", Value: 1},
			cli.BoolFlag{Name: "respondent-only", Usage: "restrict individual reveals to the respondent"},
		),
	},
	{
		Name:  "survey",
		Usage: "manage surveys",
		Subcommands: cli.Commands{
			{
				Name:   "create",
				Usage:  "open a new survey",
				Action: surveyCreate,
				Flags: append(clientFlags(),
					cli.StringFlag{Name: "title", Usage: "survey title"},
					cli.StringFlag{Name: "description", Usage: "survey description"},
					cli.StringFlag{Name: "metadata", Usage: "pointer to off-service metadata"},
					cli.StringFlag{Name: "schema", Usage: "pointer to the question schema"},
					cli.DurationFlag{Name: "deadline", Usage: "submission window from now", Value: 7 * 24 * time.Hour},
					cli.BoolFlag{Name: "individual", Usage: "allow individual reveals"},
				),
			},
			{
				Name:   "list",
				Usage:  "list all surveys",
				Action: surveyList,
				Flags:  clientFlags(),
			},
			{
				Name:      "pause",
				Usage:     "pause a survey",
				ArgsUsage: "survey-id",
				Action:    surveyPause,
				Flags:     clientFlags(),
			},
			{
				Name:      "resume",
				Usage:     "resume a paused survey",
				ArgsUsage: "survey-id",
				Action:    surveyResume,
				Flags:     clientFlags(),
			},
		},
	},
	{
		Name:  "researcher",
		Usage: "manage researcher capabilities",
		Subcommands: cli.Commands{
			{
				Name:      "grant",
				Usage:     "authorize a researcher (survey-id 0 grants globally)",
				ArgsUsage: "survey-id researcher-pub",
				Action:    researcherGrant,
				Flags:     clientFlags(),
			},
			{
				Name:      "revoke",
				Usage:     "revoke a researcher",
				ArgsUsage: "survey-id researcher-pub",
				Action:    researcherRevoke,
				Flags:     clientFlags(),
			},
		},
	},
	{
		Name:      "submit",
		Usage:     "encrypt and submit answers to a survey",
		ArgsUsage: "survey-id value,value,...",
		Action:    submit,
		Flags: append(clientFlags(),
			cli.StringFlag{Name: "aggkey", Usage: "hex aggregation public key"},
			cli.Uint64Flag{Name: "bound", Usage: "upper bound every answer is proven against", Value: 100},
			cli.StringFlag{Name: "pointer", Usage: "off-service pointer to the full answer blob"},
		),
	},
	{
		Name:  "reveal",
		Usage: "request decryptions",
		Subcommands: cli.Commands{
			{
				Name:      "aggregate",
				Usage:     "request the reveal of a (survey, question) aggregate",
				ArgsUsage: "survey-id question-id",
				Action:    revealAggregate,
				Flags: append(clientFlags(),
					cli.BoolFlag{Name: "wait", Usage: "wait for the fulfillment"},
				),
			},
			{
				Name:      "individual",
				Usage:     "request the reveal of one entry's answer",
				ArgsUsage: "survey-id entry-id question-id",
				Action:    revealIndividual,
				Flags: append(clientFlags(),
					cli.BoolFlag{Name: "wait", Usage: "wait for the fulfillment"},
				),
			},
		},
	},
	{
		Name:  "request",
		Usage: "inspect decryption requests",
		Subcommands: cli.Commands{
			{
				Name:      "get",
				Usage:     "show one request",
				ArgsUsage: "request-id",
				Action:    requestGet,
				Flags:     clientFlags(),
			},
			{
				Name:   "pending",
				Usage:  "list unfulfilled requests",
				Action: requestPending,
				Flags:  clientFlags(),
			},
		},
	},
	{
		Name:  "server",
		Usage: "run a service node",
		Action: func(c *cli.Context) error {
			app.RunServer(c.String("config"))
			return nil
		},
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "config, c",
				Value: path.Join(cfgpath.GetConfigPath("surveyadmin"), app.DefaultServerConfig),
				Usage: "Configuration file of the server",
			},
		},
	},
	{
		Name:  "server-setup",
		Usage: "interactively generate a node configuration",
		Action: func(c *cli.Context) error {
			app.InteractiveConfig(confsurvey.Suite, "surveyadmin")
			return nil
		},
	},
	{
		Name:   "oracle",
		Usage:  "run the oracle daemon fulfilling pending requests",
		Action: oracleRun,
		Flags: append(clientFlags(),
			cli.StringFlag{Name: "config", Usage: "oracle config file", Value: "oracle.toml"},
		),
	},
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "roster, r", Usage: "group definition file", Value: "group.toml"},
		cli.StringFlag{Name: "key, k", Usage: "key file of the caller", Value: "key.toml"},
	}
}

// keyFile is the on-disk format of an identity.
type keyFile struct {
	Private string
	Public  string
}

func keygen(c *cli.Context) error {
	kp := key.NewKeyPair(confsurvey.Suite)
	private, err := encoding.ScalarToStringHex(confsurvey.Suite, kp.Private)
	if err != nil {
		return err
	}
	public, err := encoding.PointToStringHex(confsurvey.Suite, kp.Public)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(c.String("out"), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return xerrors.Errorf("creating key file: %v", err)
	}
	defer out.Close()
	if err := toml.NewEncoder(out).Encode(keyFile{Private: private, Public: public}); err != nil {
		return xerrors.Errorf("writing key file: %v", err)
	}
	log.Info("Public key:", public)
	return nil
}

func loadKeys(path string) (*key.Pair, error) {
	kf := &keyFile{}
	if _, err := toml.DecodeFile(path, kf); err != nil {
		return nil, xerrors.Errorf("reading key file: %v", err)
	}
	private, err := encoding.StringHexToScalar(confsurvey.Suite, kf.Private)
	if err != nil {
		return nil, xerrors.Errorf("decoding private key: %v", err)
	}
	return &key.Pair{
		Private: private,
		Public:  confsurvey.Suite.Point().Mul(private, nil),
	}, nil
}

func loadRoster(path string) (*onet.Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening group file: %v", err)
	}
	defer f.Close()
	group, err := app.ReadGroupDescToml(f)
	if err != nil {
		return nil, xerrors.Errorf("reading group file: %v", err)
	}
	if group.Roster == nil || len(group.Roster.List) == 0 {
		return nil, xerrors.New("group file has no servers")
	}
	return group.Roster, nil
}

func getClient(c *cli.Context) (*survey.Client, error) {
	roster, err := loadRoster(c.String("roster"))
	if err != nil {
		return nil, err
	}
	keys, err := loadKeys(c.String("key"))
	if err != nil {
		return nil, err
	}
	return survey.NewClientWithKeys(roster, keys), nil
}

func parsePoint(s string) (kyber.Point, error) {
	p, err := encoding.StringHexToPoint(confsurvey.Suite, s)
	if err != nil {
		return nil, xerrors.Errorf("decoding public key: %v", err)
	}
	return p, nil
}

func argUint(c *cli.Context, n int, name string) (uint64, error) {
	v, err := strconv.ParseUint(c.Args().Get(n), 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("parsing %s: %v", name, err)
	}
	return v, nil
}

func setup(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	aggKey, err := parsePoint(c.String("aggkey"))
	if err != nil {
		return err
	}
	cfg, err := oracle.LoadConfig(c.String("oracles"))
	if err != nil {
		return err
	}
	publics, err := cfg.Publics(confsurvey.Suite)
	if err != nil {
		return err
	}
	policy := survey.RevealRespondentOrResearcher
	if c.Bool("respondent-only") {
		policy = survey.RevealRespondentOnly
	}
	if err := client.Setup(aggKey, publics, c.Int("threshold"), policy); err != nil {
		return err
	}
	log.Infof("Service set up with %d oracles, threshold %d, admin %v",
		len(publics), c.Int("threshold"), client.Identity())
	return nil
}

func surveyCreate(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	if c.String("title") == "" {
		return xerrors.New("please give a --title")
	}
	id, err := client.CreateSurvey(c.String("title"), c.String("description"),
		c.String("metadata"), c.String("schema"),
		time.Now().Add(c.Duration("deadline")), c.Bool("individual"), nil)
	if err != nil {
		return err
	}
	log.Info("Created survey", id)
	return nil
}

func surveyList(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	surveys, err := client.ListSurveys()
	if err != nil {
		return err
	}
	for _, s := range surveys {
		state := "active"
		if !s.Active {
			state = "paused"
		}
		log.Infof("%4d  %-30s  %s  submissions=%d  deadline=%s",
			s.ID, s.Title, state, s.TotalSubmissions,
			time.Unix(s.SubmitDeadline, 0).Format(time.RFC3339))
	}
	return nil
}

func surveyPause(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	id, err := argUint(c, 0, "survey-id")
	if err != nil {
		return err
	}
	return client.PauseSurvey(id)
}

func surveyResume(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	id, err := argUint(c, 0, "survey-id")
	if err != nil {
		return err
	}
	return client.ResumeSurvey(id)
}

func researcherGrant(c *cli.Context) error {
	return researcherChange(c, true)
}

func researcherRevoke(c *cli.Context) error {
	return researcherChange(c, false)
}

func researcherChange(c *cli.Context, grant bool) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	id, err := argUint(c, 0, "survey-id")
	if err != nil {
		return err
	}
	pub, err := parsePoint(c.Args().Get(1))
	if err != nil {
		return err
	}
	if grant {
		return client.AuthorizeResearcher(id, pub)
	}
	return client.RevokeResearcher(id, pub)
}

func submit(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	id, err := argUint(c, 0, "survey-id")
	if err != nil {
		return err
	}
	aggKey, err := parsePoint(c.String("aggkey"))
	if err != nil {
		return err
	}
	var values []uint64
	for _, part := range strings.Split(c.Args().Get(1), ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return xerrors.Errorf("parsing answer %q: %v", part, err)
		}
		values = append(values, v)
	}
	entryID, err := client.SubmitAnswers(id, aggKey, values, c.Uint64("bound"),
		nil, c.String("pointer"))
	if err != nil {
		return err
	}
	log.Info("Submitted entry", entryID)
	return nil
}

func revealAggregate(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	surveyID, err := argUint(c, 0, "survey-id")
	if err != nil {
		return err
	}
	questionID, err := argUint(c, 1, "question-id")
	if err != nil {
		return err
	}
	reqID, err := client.RequestAggregateReveal(surveyID, questionID)
	if err != nil {
		return err
	}
	log.Info("Created reveal request", reqID)
	if !c.Bool("wait") {
		return nil
	}
	req, err := client.WaitRequest(reqID, time.Second)
	if err != nil {
		return err
	}
	log.Infof("Aggregate revealed: sum=%d count=%d", req.Value, req.Count)
	return nil
}

func revealIndividual(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	surveyID, err := argUint(c, 0, "survey-id")
	if err != nil {
		return err
	}
	entryID, err := argUint(c, 1, "entry-id")
	if err != nil {
		return err
	}
	questionID, err := argUint(c, 2, "question-id")
	if err != nil {
		return err
	}
	reqID, err := client.RequestIndividualReveal(surveyID, entryID, questionID)
	if err != nil {
		return err
	}
	log.Info("Created reveal request", reqID)
	if !c.Bool("wait") {
		return nil
	}
	req, err := client.WaitRequest(reqID, time.Second)
	if err != nil {
		return err
	}
	log.Infof("Answer revealed: value=%d", req.Value)
	return nil
}

func requestGet(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	id, err := argUint(c, 0, "request-id")
	if err != nil {
		return err
	}
	req, err := client.GetRequest(id)
	if err != nil {
		return err
	}
	printRequest(req)
	return nil
}

func requestPending(c *cli.Context) error {
	client, err := getClient(c)
	if err != nil {
		return err
	}
	pending, err := client.ListPendingRequests()
	if err != nil {
		return err
	}
	for _, req := range pending {
		printRequest(req)
	}
	return nil
}

func printRequest(req *survey.DecryptionRequest) {
	kind := "individual"
	if req.Aggregate {
		kind = "aggregate"
	}
	state := "pending"
	if req.Fulfilled {
		state = "fulfilled"
	}
	log.Infof("%4d  %s %s  survey=%d question=%d entry=%d value=%d count=%d",
		req.ID, kind, state, req.Subject.SurveyID, req.Subject.QuestionID,
		req.Subject.EntryID, req.Value, req.Count)
}

func oracleRun(c *cli.Context) error {
	roster, err := loadRoster(c.String("roster"))
	if err != nil {
		return err
	}
	cfg, err := oracle.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	oracles, interval, err := cfg.Build(confsurvey.Suite)
	if err != nil {
		return err
	}
	log.Infof("Oracle daemon with %d signers, polling every %s", len(oracles), interval)
	runner := oracle.NewRunner(survey.NewClient(roster), oracles, interval)
	return runner.Run(context.Background())
}
