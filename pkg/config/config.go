package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	SQLite   SQLiteConfig
	Milvus   MilvusConfig
	Neo4j    Neo4jConfig
	Redis    RedisConfig
	LLM      LLMConfig
	Embedder EmbedderConfig
	Agent    AgentConfig
	Stream   StreamConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	ArtifactDir  string
}

type SQLiteConfig struct {
	Path string
	// AnalyticsPath points at the tabular warehouse database the default
	// QueryExecutor runs analyzed SQL against. Deployments backed by a
	// real warehouse wire in their own QueryExecutor and can ignore this.
	AnalyticsPath string
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	IndexType      string
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LLMConfig struct {
	Provider    string
	Model       string
	APIKey      string
	Endpoint    string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type EmbedderConfig struct {
	Provider   string
	Model      string
	Endpoint   string
	APIKey     string
	Dim        int
	TimeoutSec int
}

type AgentConfig struct {
	MaxIterations      int
	DeadlineSec        int
	RewriteCacheSize   int
	PromptCacheSize    int
	TableSelectFloor   float64
	RAGMinComposite    float64
	RAGMinQuality      float64
	RAGDedupSimilarity float64
	RAGMinScoreToStore float64
	FewShotLimit       int
}

type StreamConfig struct {
	BufferSize            int
	DeltaDropThreshold    float64
	DeltaDropAgeMS        int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/nl2sql")

	viper.SetEnvPrefix("NL2SQL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 90)
	viper.SetDefault("server.bodyLimit", 10485760)
	viper.SetDefault("server.artifactDir", "./data/artifacts")

	viper.SetDefault("sqlite.path", "./data/nl2sql.db")
	viper.SetDefault("sqlite.analyticsPath", "./data/analytics.db")

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "qa_pairs")
	viper.SetDefault("milvus.vectorDim", 1536)
	viper.SetDefault("milvus.indexType", "IVF_FLAT")

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.apiKey", "")
	viper.SetDefault("llm.endpoint", "")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.timeoutSec", 30)

	viper.SetDefault("embedder.provider", "openai")
	viper.SetDefault("embedder.model", "text-embedding-3-small")
	viper.SetDefault("embedder.dim", 1536)
	viper.SetDefault("embedder.timeoutSec", 15)

	viper.SetDefault("agent.maxIterations", 8)
	viper.SetDefault("agent.deadlineSec", 60)
	viper.SetDefault("agent.rewriteCacheSize", 100)
	viper.SetDefault("agent.promptCacheSize", 200)
	viper.SetDefault("agent.tableSelectFloor", 0.15)
	viper.SetDefault("agent.ragMinComposite", 3.5)
	viper.SetDefault("agent.ragMinQuality", 0.7)
	viper.SetDefault("agent.ragDedupSimilarity", 0.93)
	viper.SetDefault("agent.ragMinScoreToStore", 4.0)
	viper.SetDefault("agent.fewShotLimit", 3)

	viper.SetDefault("stream.bufferSize", 256)
	viper.SetDefault("stream.deltaDropThreshold", 0.8)
	viper.SetDefault("stream.deltaDropAgeMS", 100)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
