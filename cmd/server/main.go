package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"studybar/internal/api"
	"studybar/internal/config"
	"studybar/internal/db"
	"studybar/internal/index"
	"studybar/internal/llm"
	"studybar/internal/services"
	"studybar/internal/tutor"
)

func main() {
	cfg := config.Load()

	conn, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer conn.Close()

	client := llm.New(
		cfg.OpenAIKey,
		cfg.OpenAIEndpoint,
		cfg.OpenAIModel,
		cfg.OpenAIFastModel,
		cfg.EmbeddingModel,
	)

	idx, err := index.Open(cfg.BucketDir, index.DefaultMixPolicy())
	if err != nil {
		log.Fatalf("load content index: %v", err)
	}

	studentService := services.NewStudentService(conn)
	conversationService := services.NewConversationService(conn)
	documentService := services.NewDocumentService(conn, cfg.UploadDir)
	extractor := services.NewExtractor(client)
	answerService := services.NewAnswerService(extractor, client)
	flashcardService := services.NewFlashcardService(conn, client)
	grader := services.NewGrader(client, conn, cfg.ErrorLogDir)
	generator := services.NewGenerator(client, idx)
	ingestionService := services.NewIngestionService(documentService, extractor, flashcardService, idx, cfg.BucketDir)

	sessions := tutor.NewSessionStore(tutor.Deps{
		LLM:           client,
		Students:      studentService,
		Index:         idx,
		Generator:     generator,
		Grader:        grader,
		Answers:       answerService,
		Conversations: conversationService,
		Policy:        tutor.DefaultProficiencyPolicy(),
		DefaultTopic:  cfg.DefaultTopic,
	}, 0)

	server := api.NewServer(
		sessions,
		studentService,
		grader,
		flashcardService,
		documentService,
		ingestionService,
		answerService,
		idx,
	)

	mux := http.NewServeMux()
	mux.Handle("/api", server.Handler())
	mux.Handle("/api/", server.Handler())

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("listening on :%s", port)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}
